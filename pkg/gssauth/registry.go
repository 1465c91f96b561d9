package gssauth

import "fmt"

// Pseudoflavors are the RPCSEC_GSS "security triple" numbers RFC 2203
// Appendix A assigns per (mechanism, QOP, service): a single client-visible
// integer that create(client, pseudoflavor) resolves into a (mechanism
// name, Service) pair before allocating pipes.
const (
	PseudoflavorKrb5  uint32 = 390003
	PseudoflavorKrb5i uint32 = 390004
	PseudoflavorKrb5p uint32 = 390005
)

// pseudoflavorEntry is one row of the registry: which mechanism name and
// service level a pseudoflavor resolves to.
type pseudoflavorEntry struct {
	mechName string
	service  Service
}

var pseudoflavors = map[uint32]pseudoflavorEntry{
	PseudoflavorKrb5:  {mechName: "krb5", service: ServiceNone},
	PseudoflavorKrb5i: {mechName: "krb5", service: ServiceIntegrity},
	PseudoflavorKrb5p: {mechName: "krb5", service: ServicePrivacy},
}

// ResolvePseudoflavor implements create's pseudoflavor -> (mechanism,
// service) lookup. It fails if the pseudoflavor is unknown, or if it's
// known but names a mechanism other than the one a's mechanism exposes.
func (a *GssAuth) ResolvePseudoflavor(pseudoflavor uint32) (Service, error) {
	entry, ok := pseudoflavors[pseudoflavor]
	if !ok {
		return 0, fmt.Errorf("gssauth: unknown pseudoflavor %d", pseudoflavor)
	}
	if entry.mechName != a.mechanism.Name() {
		return 0, fmt.Errorf("gssauth: pseudoflavor %d names mechanism %q, authenticator uses %q",
			pseudoflavor, entry.mechName, a.mechanism.Name())
	}
	return entry.service, nil
}

package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/dittofs/rpcsecgss/internal/credcache"
	"github.com/dittofs/rpcsecgss/internal/krb5mech"
	"github.com/dittofs/rpcsecgss/internal/krb5mech/daemond"
	"github.com/dittofs/rpcsecgss/internal/reclaim"
	"github.com/dittofs/rpcsecgss/pkg/gssauth"
)

// buildAuth constructs a GssAuth wired to a real krb5mech.Mechanism and a
// keytab-backed daemond.Daemon, using the process's loaded configuration.
// Every subcommand that needs a live authenticator shares this.
func buildAuth(ctx context.Context) (*gssauth.GssAuth, error) {
	principal := loadedConfig.Kerberos.ClientPrincipal
	realm := principalRealm(principal)
	daemon, err := daemond.New(daemond.Config{
		Principal:    strings.TrimSuffix(principal, "@"+realm),
		Realm:        realm,
		KeytabPath:   loadedConfig.Kerberos.ClientKeytabPath,
		KRB5ConfPath: loadedConfig.Kerberos.Krb5Conf,
	})
	if err != nil {
		return nil, fmt.Errorf("start upcall daemon: %w", err)
	}

	return gssauth.New(ctx, gssauth.Config{
		Mechanism:  krb5mech.New(),
		Daemon:     daemon,
		RetryDelay: loadedConfig.RetryDelay,
		Reclaim: reclaim.Config{
			GracePeriod:   loadedConfig.Reclaim.GracePeriod,
			SweepInterval: loadedConfig.Reclaim.SweepInterval,
		},
		Cache: credcache.Config{CleanupInterval: loadedConfig.Cache.CleanupInterval},
	}), nil
}

// principalRealm extracts the REALM suffix from a principal@REALM string,
// since daemond.Config wants them split.
func principalRealm(principal string) string {
	idx := strings.LastIndex(principal, "@")
	if idx < 0 {
		return ""
	}
	return principal[idx+1:]
}

package commands

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dittofs/rpcsecgss/pkg/gssauth"
)

var (
	destroyAddr      string
	destroyUID       uint32
	destroyPrincipal string
)

var destroyCmd = &cobra.Command{
	Use:   "destroy",
	Short: "Send a NULL destroy-context RPC and release the local credential",
	Long: `destroy marshals a credential with proc=DESTROY against the peer at
--addr, which tells the server to discard its half of the security context.
The request and its body are sent in the clear regardless of the credential's
service, per the DESTROY proc override. The local credential is released
afterward.`,
	RunE: runDestroy,
}

func init() {
	destroyCmd.Flags().StringVar(&destroyAddr, "addr", "", "peer address, host:port (required)")
	destroyCmd.Flags().Uint32Var(&destroyUID, "uid", 0, "local uid the context was authenticated as (required)")
	destroyCmd.Flags().StringVar(&destroyPrincipal, "principal", "", "target service principal, e.g. nfs/host@EXAMPLE.COM")
	destroyCmd.MarkFlagRequired("addr")
	destroyCmd.MarkFlagRequired("uid")
	rootCmd.AddCommand(destroyCmd)
}

func runDestroy(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	auth, err := buildAuth(ctx)
	if err != nil {
		return err
	}
	defer auth.Destroy()

	cred := auth.LookupOrCreateCred(destroyUID, destroyPrincipal, gssauth.ServiceIntegrity)
	sc, err := auth.Refresh(ctx, cred)
	if err != nil {
		return fmt.Errorf("refresh: %w", err)
	}
	defer sc.Release()

	conn, err := net.DialTimeout("tcp", destroyAddr, 10*time.Second)
	if err != nil {
		return fmt.Errorf("dial %s: %w", destroyAddr, err)
	}
	transport := gssauth.NewNetTransport(conn)
	defer transport.Close()

	call := &gssauth.Call{Cred: cred, Proc: gssauth.ProcDestroy}

	var req bytes.Buffer
	var xid [4]byte
	binary.BigEndian.PutUint32(xid[:], uint32(time.Now().UnixNano()))
	if err := gssauth.Marshal(&req, xid[:], call); err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	if err := gssauth.Wrap(call, &req, nil); err != nil {
		return fmt.Errorf("wrap: %w", err)
	}

	if _, err := transport.Write(req.Bytes()); err != nil {
		return fmt.Errorf("write request: %w", err)
	}

	fmt.Fprintln(os.Stdout, "destroy sent")
	return nil
}

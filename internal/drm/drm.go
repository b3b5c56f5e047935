// Package drm defines the external decryption collaborator. The engine never
// inspects a scheme's internals; it hands over a wrapped file and a
// destination and waits for the outcome.
package drm

import (
	"context"
	"io"
	"os"
)

// Decryptor unwraps a DRM-protected download into a playable file.
type Decryptor interface {
	Decrypt(ctx context.Context, src, dst string) error
}

// Passthrough copies the source to the destination unchanged. It stands in
// for a real scheme in tests and open deployments.
type Passthrough struct{}

func (Passthrough) Decrypt(ctx context.Context, src, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

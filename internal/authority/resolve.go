package authority

import (
	"context"
	"errors"

	"github.com/lexitnft/voucher-service/internal/voucher"
)

// Source describes where the signing key lives. Exactly one of RemoteAddr, PrivateKeyHex or
// KeystorePath is normally set.
type Source struct {
	RemoteAddr       string
	PrivateKeyHex    string
	KeystorePath     string
	KeystorePassword string
	// PromptPassword reads the keystore password from the terminal.
	PromptPassword bool
}

// Resolve returns the signing authority described by src.
//
// Decision tree:
//  1. RemoteAddr set → gRPC key holder (its address is fetched once here)
//  2. PrivateKeyHex set → in-memory key
//  3. KeystorePath set → decrypted keystore, prompting if requested
func Resolve(ctx context.Context, src Source) (voucher.Authority, error) {
	var (
		a   voucher.Authority
		err error
	)
	switch {
	case src.RemoteAddr != "":
		var r *Remote
		r, err = Dial(ctx, src.RemoteAddr)
		a = r
	case src.PrivateKeyHex != "":
		var l *Local
		l, err = FromHex(src.PrivateKeyHex)
		a = l
	case src.KeystorePath != "":
		var l *Local
		l, err = FromKeystore(src.KeystorePath, src.KeystorePassword, src.PromptPassword)
		a = l
	default:
		err = errors.New("authority: no signing key configured (set SIGNER_REMOTE_ADDR, SIGNER_PRIVATE_KEY or SIGNER_KEYSTORE)")
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

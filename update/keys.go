package update

import (
	"crypto/rsa"

	"github.com/flatcar/ue-go/signature"
)

// loadPKIXPublicKey loads the PEM-encoded PKCS#8/PKIX public key used to
// verify payload signatures; this is the only key encoding the CLI
// exposes (see Config.PublicKeyPath).
func loadPKIXPublicKey(path string) (*rsa.PublicKey, error) {
	return signature.LoadPublicKey(path, signature.KeyTypePKCS8)
}

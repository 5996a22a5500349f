package transport

import (
	"os"
	"strings"

	"olav/internal/types"
)

// ===== CREDENTIAL PROVIDERS =====

// EnvCredentialProvider resolves credential references from the environment:
// OLAV_CRED_<REF>_USERNAME, OLAV_CRED_<REF>_PASSWORD and optionally
// OLAV_CRED_<REF>_KEYFILE (path to a PEM private key). The reference is
// upper-cased with dashes mapped to underscores.
type EnvCredentialProvider struct{}

func (EnvCredentialProvider) Lookup(ref string) (Credentials, error) {
	if ref == "" {
		return Credentials{}, types.NewError(types.KindAuth, "device has no credentials reference")
	}
	key := strings.ToUpper(strings.ReplaceAll(ref, "-", "_"))
	creds := Credentials{
		Username: os.Getenv("OLAV_CRED_" + key + "_USERNAME"),
		Password: os.Getenv("OLAV_CRED_" + key + "_PASSWORD"),
	}
	if keyfile := os.Getenv("OLAV_CRED_" + key + "_KEYFILE"); keyfile != "" {
		pem, err := os.ReadFile(keyfile)
		if err != nil {
			return Credentials{}, types.WrapError(types.KindAuth, "failed to read key file for "+ref, err)
		}
		creds.PrivateKey = pem
	}
	if creds.Username == "" {
		return Credentials{}, types.Errorf(types.KindAuth, "no credentials in environment for reference %q", ref)
	}
	if creds.Password == "" && len(creds.PrivateKey) == 0 {
		return Credentials{}, types.Errorf(types.KindAuth, "credentials %q have neither password nor key", ref)
	}
	return creds, nil
}

// StaticCredentialProvider serves a fixed table. Test fixture.
type StaticCredentialProvider map[string]Credentials

func (p StaticCredentialProvider) Lookup(ref string) (Credentials, error) {
	if c, ok := p[ref]; ok {
		return c, nil
	}
	return Credentials{}, types.Errorf(types.KindAuth, "unknown credentials reference %q", ref)
}

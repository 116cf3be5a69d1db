package sign

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
)

// platformPublicKeyPEM is the platform's fixed public key for the session
// refresh path token. It is not account-specific and has not rotated since
// the refresh protocol shipped.
const platformPublicKeyPEM = `-----BEGIN PUBLIC KEY-----
MIIBIjANBgkqhkiG9w0BAQEFAAOCAQ8AMIIBCgKCAQEAuejSLn4AZM9TmDw5d+UZ
eVtqy/JsuzdLHyDEBt3TvNemNMie+O3behw1G8yIbNbApIiGoszsiaSbWc48MX5q
igSVdsrVtQ1/5WWSAi2hr1GG8NL4Fnq4zcIPdHJuGdHVmV+xE/zpdV0UHTeoBWHJ
vNBBvlHp2iyJXItTiJwidBM2F7xpOMAJdGPM93bW4+7hrGHJvEVK9vjaDgpCQDpL
60hEKdhGRRElaYx1ui/KLcLaQkPvDJtpqjNg489Dg1q2L0bieNQAfCe2iSIWE/Ni
kP3cJ3b8VtphTebd8vWpATQttUkBadT8zl2nH49fg/JLFNDni2BeSptq0TtNcC7h
GQIDAQAB
-----END PUBLIC KEY-----`

// PlatformPublicKey parses the embedded refresh public key.
func PlatformPublicKey() (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(platformPublicKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("sign: malformed platform public key PEM")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("sign: parse platform public key: %w", err)
	}
	key, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("sign: platform public key is not RSA")
	}
	return key, nil
}

// EncryptPathToken builds the refresh-flow path token: OAEP-encrypt
// "refresh_<ms>" and hex-encode. The timestamp must be millisecond precision;
// second precision produces a token the resolver rejects.
func EncryptPathToken(pub *rsa.PublicKey, unixMilli int64) (string, error) {
	plain := fmt.Sprintf("refresh_%d", unixMilli)
	cipher, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, []byte(plain), nil)
	if err != nil {
		return "", fmt.Errorf("sign: encrypt path token: %w", err)
	}
	return hex.EncodeToString(cipher), nil
}

package signing

import (
	"encoding/json"
	"fmt"

	"github.com/lestrrat-go/jwx/v2/jwk"
)

// PublicJWKS serializes this server's public signing key as a JSON Web Key
// Set, the document served at the authorization server's jwks_uri.
func (k *Keys) PublicJWKS() ([]byte, error) {
	set := jwk.NewSet()
	if err := set.AddKey(k.Public); err != nil {
		return nil, fmt.Errorf("signing: failed to build jwks: %w", err)
	}
	out, err := json.Marshal(set)
	if err != nil {
		return nil, fmt.Errorf("signing: failed to marshal jwks: %w", err)
	}
	return out, nil
}

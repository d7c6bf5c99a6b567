package auth

import "golang.org/x/oauth2/clientcredentials"

// Conf configures how the worker obtains its bearer token. A non-empty Token
// is used as is; otherwise a token is requested from TokenURL with the
// client credentials grant.
type Conf struct {
	Token        string   `json:"token"`
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	TokenURL     string   `json:"token_url"`
	Scopes       []string `json:"scopes"`
}

func (c *Conf) toOauth2Config() clientcredentials.Config {
	return clientcredentials.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		TokenURL:     c.TokenURL,
		Scopes:       c.Scopes,
	}
}

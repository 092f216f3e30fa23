package auth

import (
	"context"
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/xeptore/mcauth/httputil"
)

type XSTSToken struct {
	Token    string
	UserHash string
}

type xstsRequest struct {
	Properties   xstsProperties `json:"Properties"`
	RelyingParty string         `json:"RelyingParty"`
	TokenType    string         `json:"TokenType"`
}

type xstsProperties struct {
	SandboxID  string   `json:"SandboxId"`
	UserTokens []string `json:"UserTokens"`
}

// AuthorizeXSTS exchanges an Xbox Live token for a security token scoped to the game
// services. A 401 carries an XErr code and becomes KindProviderRejected.
func (c *Client) AuthorizeXSTS(ctx context.Context, xbl *XboxLiveToken) (*XSTSToken, error) {
	body := xstsRequest{
		Properties: xstsProperties{
			SandboxID:  "RETAIL",
			UserTokens: []string{xbl.Token},
		},
		RelyingParty: "rp://api.minecraftservices.com/",
		TokenType:    "JWT",
	}
	res, err := c.postJSON(ctx, "xsts", c.endpoints.XSTS, body)
	if nil != err {
		return nil, err
	}

	switch {
	case res.status == http.StatusUnauthorized:
		code := gjson.GetBytes(res.body, "XErr")
		if !code.Exists() {
			res.flawP["response_body"] = string(res.body)
			return nil, malformed("xsts rejection is missing XErr", res.flawP)
		}
		c.logger.Debug().Int64("xerr", code.Int()).Msg("XSTS rejected the account")
		return nil, providerRejected(code.Int(), res.flawP)
	case !httputil.IsSuccess(res.status):
		res.flawP["response_body"] = string(res.body)
		return nil, malformed("unexpected xsts response status", res.flawP)
	}

	token := gjson.GetBytes(res.body, "Token").String()
	if token == "" {
		return nil, malformed("xsts response is missing token", res.flawP)
	}
	uhs := gjson.GetBytes(res.body, "DisplayClaims.xui.0.uhs").String()
	if uhs == "" {
		uhs = xbl.UserHash
	}
	return &XSTSToken{Token: token, UserHash: uhs}, nil
}

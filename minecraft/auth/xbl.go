package auth

import (
	"context"

	"github.com/tidwall/gjson"

	"github.com/xeptore/mcauth/httputil"
)

type XboxLiveToken struct {
	Token    string
	UserHash string
}

type xblRequest struct {
	Properties   xblProperties `json:"Properties"`
	RelyingParty string        `json:"RelyingParty"`
	TokenType    string        `json:"TokenType"`
}

type xblProperties struct {
	AuthMethod string `json:"AuthMethod"`
	SiteName   string `json:"SiteName"`
	RpsTicket  string `json:"RpsTicket"`
}

// SignIntoXboxLive exchanges the primary access token for an Xbox Live user token.
func (c *Client) SignIntoXboxLive(ctx context.Context, accessToken string) (*XboxLiveToken, error) {
	body := xblRequest{
		Properties: xblProperties{
			AuthMethod: "RPS",
			SiteName:   "user.auth.xboxlive.com",
			RpsTicket:  "d=" + accessToken,
		},
		RelyingParty: "http://auth.xboxlive.com",
		TokenType:    "JWT",
	}
	res, err := c.postJSON(ctx, "xbox_live", c.endpoints.XboxLive, body)
	if nil != err {
		return nil, err
	}

	if !httputil.IsSuccess(res.status) {
		res.flawP["response_body"] = string(res.body)
		return nil, malformed("unexpected xbox live response status", res.flawP)
	}
	if !gjson.ValidBytes(res.body) {
		res.flawP["response_body"] = string(res.body)
		return nil, malformed("xbox live response is not valid json", res.flawP)
	}

	var (
		token = gjson.GetBytes(res.body, "Token").String()
		uhs   = gjson.GetBytes(res.body, "DisplayClaims.xui.0.uhs").String()
	)
	if token == "" || uhs == "" {
		return nil, malformed("xbox live response is missing token or user hash", res.flawP)
	}
	return &XboxLiveToken{Token: token, UserHash: uhs}, nil
}

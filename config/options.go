package config

import "time"

const DefaultScope = "XboxLive.signin offline_access"

var (
	IdentityRequestTimeout      = 15 * time.Second
	DefaultRefreshMargin        = 5 * time.Minute
	DefaultRetryAttempts        = 4
	DefaultRetryInitialInterval = 250 * time.Millisecond
	DefaultRetryMaxInterval     = 4 * time.Second
	ShutdownGracePeriod         = 3 * time.Second
)

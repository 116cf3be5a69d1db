package platform

// Cookie and field names the platform expects on every authenticated call.
const (
	CookieSession = "sid"
	CookieCSRF    = "csrf"
	CookieFPA     = "dev_fp"
	CookieFPB     = "dev_fp2"

	// FieldCSRF is the anti-forgery body field required on all writes.
	FieldCSRF = "csrf"
)

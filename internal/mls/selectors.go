package mls

// Selector keys recognized in mls.selectors. The MLS site churns its DOM;
// keeping selectors in config turns a markup change into a config change.
const (
	selResultItem    = "result_item"
	selResultLink    = "result_link"
	selResultAddress = "result_address"
	selResultPrice   = "result_price"
	selDetailReady   = "detail_ready"
	selChallenge     = "challenge"
	selCaptchaFrame  = "captcha_frame"
	selCaptchaOutput = "captcha_output"
)

// defaultSelectors matches the current production markup.
var defaultSelectors = map[string]string{
	selResultItem:    "div.property-card",
	selResultLink:    "a.property-card-link",
	selResultAddress: ".property-card-address",
	selResultPrice:   ".property-card-price",
	selDetailReady:   ".property-detail",
	selChallenge:     "#challenge-form, .g-recaptcha, #cf-challenge-running",
	selCaptchaFrame:  ".g-recaptcha",
	selCaptchaOutput: "#g-recaptcha-response",
}

// selectorSet resolves configured overrides over the defaults.
type selectorSet map[string]string

func newSelectorSet(overrides map[string]string) selectorSet {
	s := make(selectorSet, len(defaultSelectors))
	for k, v := range defaultSelectors {
		s[k] = v
	}
	for k, v := range overrides {
		if v != "" {
			s[k] = v
		}
	}
	return s
}

func (s selectorSet) get(key string) string { return s[key] }

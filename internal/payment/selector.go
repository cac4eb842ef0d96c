package payment

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
)

// CountryHeader overrides locale-based country detection.
const CountryHeader = "X-Country"

const (
	countryPakistan = "pk"
	countryDefault  = "us"
)

var urduBase, _ = language.Urdu.Base()

// Recommendation ranks providers for a buyer and fixes the charge currency.
type Recommendation struct {
	Primary   ProviderName    `json:"primary"`
	Secondary ProviderName    `json:"secondary"`
	Currency  string          `json:"currency"`
	Price     decimal.Decimal `json:"price"`
}

// MarshalJSON renders Price as a JSON number rather than decimal's default string.
func (r Recommendation) MarshalJSON() ([]byte, error) {
	type alias Recommendation
	return json.Marshal(struct {
		alias
		Price json.Number `json:"price"`
	}{alias: alias(r), Price: json.Number(r.Price.String())})
}

// DetectCountry returns a lower-case country code from, in order, the X-Country
// header, an Accept-Language entry that is Urdu or carries the PK region, and "us".
func DetectCountry(h http.Header) string {
	if c := strings.ToLower(strings.TrimSpace(h.Get(CountryHeader))); c != "" {
		return c
	}
	tags, _, err := language.ParseAcceptLanguage(h.Get("Accept-Language"))
	if err != nil {
		return countryDefault
	}
	for _, tag := range tags {
		if base, _ := tag.Base(); base == urduBase {
			return countryPakistan
		}
		if region, conf := tag.Region(); conf == language.Exact && strings.EqualFold(region.String(), countryPakistan) {
			return countryPakistan
		}
	}
	return countryDefault
}

// Selector routes buyers to providers by country. It holds no state.
type Selector struct {
	Global        ProviderName
	Local         ProviderName
	LocalCurrency string
}

// DefaultSelector routes Pakistan to Easypaisa in PKR and everyone else to Paddle.
func DefaultSelector() Selector {
	return Selector{Global: Paddle, Local: Easypaisa, LocalCurrency: "PKR"}
}

// Recommend is a pure function of its inputs. The local currency replaces the
// requested one for Pakistan without converting the amount. Elsewhere the
// requested currency is echoed back trimmed and upper-cased, or USD when empty.
func (s Selector) Recommend(country string, amount decimal.Decimal, currency string) Recommendation {
	if strings.EqualFold(strings.TrimSpace(country), countryPakistan) {
		return Recommendation{Primary: s.Local, Secondary: s.Global, Currency: s.LocalCurrency, Price: amount}
	}
	cur := strings.ToUpper(strings.TrimSpace(currency))
	if cur == "" {
		cur = "USD"
	}
	return Recommendation{Primary: s.Global, Secondary: s.Local, Currency: cur, Price: amount}
}

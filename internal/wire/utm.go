package wire

import "net/url"

// ExtractUTM returns the campaign parameters found in rawURL's query, or nil
// when none of utm_source, utm_medium and utm_campaign is present.
func ExtractUTM(rawURL string) *UTM {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil
	}
	q := u.Query()
	utm := UTM{
		Source:   q.Get("utm_source"),
		Medium:   q.Get("utm_medium"),
		Campaign: q.Get("utm_campaign"),
	}
	if utm == (UTM{}) {
		return nil
	}
	return &utm
}

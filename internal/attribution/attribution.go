// Package attribution extracts campaign parameters and ad click ids from a
// landing-page URL.
package attribution

import (
	"net/url"
)

// UTM holds the standard campaign parameters. Absent values are nil.
type UTM struct {
	Source   *string `json:"source"`
	Medium   *string `json:"medium"`
	Campaign *string `json:"campaign"`
	Term     *string `json:"term"`
	Content  *string `json:"content"`
}

// ClickIDs holds ad-network click identifiers. Absent values are nil.
type ClickIDs struct {
	GCLID  *string `json:"gclid"`
	FBCLID *string `json:"fbclid"`
}

// Params is everything attribution reads from a URL.
type Params struct {
	UTM      UTM      `json:"utm"`
	ClickIDs ClickIDs `json:"click_ids"`
}

// Paid reports whether the visit carries any ad click id.
func (p Params) Paid() bool {
	return p.ClickIDs.GCLID != nil || p.ClickIDs.FBCLID != nil
}

// Parse reads attribution parameters from raw. A URL that cannot be parsed
// yields empty Params.
func Parse(raw string) Params {
	u, err := url.Parse(raw)
	if err != nil {
		return Params{}
	}
	q := u.Query()

	return Params{
		UTM: UTM{
			Source:   nonEmpty(q, "utm_source"),
			Medium:   nonEmpty(q, "utm_medium"),
			Campaign: nonEmpty(q, "utm_campaign"),
			Term:     nonEmpty(q, "utm_term"),
			Content:  nonEmpty(q, "utm_content"),
		},
		ClickIDs: ClickIDs{
			GCLID:  nonEmpty(q, "gclid"),
			FBCLID: nonEmpty(q, "fbclid"),
		},
	}
}

func nonEmpty(q url.Values, key string) *string {
	v := q.Get(key)
	if v == "" {
		return nil
	}
	return &v
}

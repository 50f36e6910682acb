package dashboard

import "fmt"

// Indicator is the sync status shown to the user.
type Indicator struct {
	Online  bool `json:"online"`
	Pending int  `json:"pending"`
	Syncing bool `json:"syncing"`
}

// Text renders the indicator. It is empty when online with nothing queued.
func (i Indicator) Text() string {
	switch {
	case !i.Online:
		return "offline"
	case i.Syncing:
		return "syncing"
	case i.Pending > 0:
		return fmt.Sprintf("%d changes pending", i.Pending)
	default:
		return ""
	}
}

// Visible reports whether there is anything to show.
func (i Indicator) Visible() bool {
	return i.Text() != ""
}

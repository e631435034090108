package browser

import "math/rand"

// HeaderProfile is the header set one browser build sends with a document
// request.
type HeaderProfile struct {
	UserAgent      string
	Accept         string
	AcceptLanguage string
	// Client hints, only sent by Chromium builds.
	SecChUa         string
	SecChUaPlatform string
	// Fetch metadata. Empty for plain crawlers.
	FetchMetadata bool
}

type HeaderStrategy string

const (
	// StrategyModernBrowser looks like a desktop Chrome or Safari user. Venue
	// sites and the social network serve their full pages to it.
	StrategyModernBrowser HeaderStrategy = "modern_browser"
	// StrategyBotFriendly announces itself. Used for the static discovery
	// fetch where a plain crawler identity is enough.
	StrategyBotFriendly HeaderStrategy = "bot_friendly"
)

const (
	acceptDocument = "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8"
	acceptLanguage = "en-US,en;q=0.9"
	chromeBrands   = `"Google Chrome";v="131", "Chromium";v="131", "Not_A Brand";v="24"`
)

func chrome(platform, osToken string) HeaderProfile {
	return HeaderProfile{
		UserAgent:       "Mozilla/5.0 (" + osToken + ") AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
		Accept:          acceptDocument,
		AcceptLanguage:  acceptLanguage,
		SecChUa:         chromeBrands,
		SecChUaPlatform: `"` + platform + `"`,
		FetchMetadata:   true,
	}
}

var profiles = map[HeaderStrategy][]HeaderProfile{
	StrategyModernBrowser: {
		chrome("macOS", "Macintosh; Intel Mac OS X 10_15_7"),
		chrome("Windows", "Windows NT 10.0; Win64; x64"),
		{
			UserAgent:      "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/18.2 Safari/605.1.15",
			Accept:         "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
			AcceptLanguage: acceptLanguage,
			FetchMetadata:  true,
		},
	},
	StrategyBotFriendly: {
		{UserAgent: "KaraokeScheduleBot/1.0", Accept: acceptDocument, AcceptLanguage: acceptLanguage},
		{UserAgent: "Mozilla/5.0 (compatible; KaraokeScheduleBot/1.0)", Accept: acceptDocument, AcceptLanguage: acceptLanguage},
	},
}

// GetHeaderProfile returns a random profile for the strategy. Unknown
// strategies get the first desktop profile.
func GetHeaderProfile(strategy HeaderStrategy) HeaderProfile {
	list := profiles[strategy]
	if len(list) == 0 {
		return profiles[StrategyModernBrowser][0]
	}
	return list[rand.Intn(len(list))]
}

// Headers returns the extra HTTP headers for the profile. The user agent is
// set separately on the browser context.
func (p HeaderProfile) Headers() map[string]string {
	h := map[string]string{
		"Accept":                    p.Accept,
		"Accept-Language":           p.AcceptLanguage,
		"Upgrade-Insecure-Requests": "1",
	}
	if p.FetchMetadata {
		h["Sec-Fetch-Dest"] = "document"
		h["Sec-Fetch-Mode"] = "navigate"
		h["Sec-Fetch-Site"] = "none"
		h["Sec-Fetch-User"] = "?1"
	}
	if p.SecChUa != "" {
		h["Sec-Ch-Ua"] = p.SecChUa
		h["Sec-Ch-Ua-Mobile"] = "?0"
		h["Sec-Ch-Ua-Platform"] = p.SecChUaPlatform
	}
	return h
}

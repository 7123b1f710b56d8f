package utils

import (
	"net/url"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/net/idna"
)

var urlRegex = regexp.MustCompile(`(?i)\b(?:https?://|www\.)[^\s<>]+`)

var inviteRegex = regexp.MustCompile(`(?i)\b(?:https?://)?(?:www\.)?(?:discord\.gg|discord(?:app)?\.com/invite)/[a-z0-9-]+`)

var trackingParams = []string{"utm_source", "utm_medium", "utm_campaign", "utm_term", "utm_content", "fbclid", "gclid"}

var discordHosts = map[string]struct{}{
	"discord.com":        {},
	"discordapp.com":     {},
	"ptb.discord.com":    {},
	"canary.discord.com": {},
}

func ExtractURLs(content string) []string {
	found := urlRegex.FindAllString(content, -1)
	for i, raw := range found {
		found[i] = strings.TrimRight(raw, ".,!?)]>'\"")
	}
	return found
}

// ContainsInvite matches server invites with or without a scheme.
func ContainsInvite(content string) bool {
	return inviteRegex.MatchString(content)
}

func NormalizeURL(raw string) (string, string, error) {
	if !strings.HasPrefix(strings.ToLower(raw), "http://") && !strings.HasPrefix(strings.ToLower(raw), "https://") {
		raw = "https://" + raw
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return "", "", err
	}

	host := strings.ToLower(parsed.Hostname())
	asciiHost, err := idna.ToASCII(host)
	if err == nil {
		host = asciiHost
	}

	parsed.Host = host
	parsed.Fragment = ""
	parsed.User = nil

	query := parsed.Query()
	for _, key := range trackingParams {
		query.Del(key)
	}
	parsed.RawQuery = normalizeQuery(query)

	return parsed.String(), host, nil
}

func normalizeQuery(values url.Values) string {
	if len(values) == 0 {
		return ""
	}
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	clean := url.Values{}
	for _, key := range keys {
		clean[key] = values[key]
	}
	return clean.Encode()
}

// HostMatches reports whether host equals one of domains or is a subdomain of it.
func HostMatches(host string, domains []string) bool {
	host = strings.TrimPrefix(strings.ToLower(host), "www.")
	for _, domain := range domains {
		domain = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(domain)), "www.")
		if domain == "" {
			continue
		}
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}

// MessageLinkGuild returns the guild id of a discord.com/channels/<guild>/<channel>/<message> link.
func MessageLinkGuild(raw string) (string, bool) {
	normalized, host, err := NormalizeURL(raw)
	if err != nil {
		return "", false
	}
	if _, ok := discordHosts[host]; !ok {
		return "", false
	}
	parsed, err := url.Parse(normalized)
	if err != nil {
		return "", false
	}
	parts := strings.Split(strings.Trim(parsed.Path, "/"), "/")
	if len(parts) != 4 || parts[0] != "channels" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

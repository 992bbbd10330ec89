package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	MaxTitleLength       = 100
	MaxDescriptionLength = 2000
	MaxSourceURLs        = 4
	MaxCoHosts           = 3
)

var (
	// SessionIDRegex validates session ID format
	SessionIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	// TickerRegex validates wallet ticker symbols such as SOL or USDC
	TickerRegex = regexp.MustCompile(`^[A-Z0-9]{2,10}$`)

	// WalletAddressRegex accepts base58 and hex encoded addresses
	WalletAddressRegex = regexp.MustCompile(`^(0x[0-9a-fA-F]{40}|[1-9A-HJ-NP-Za-km-z]{26,44})$`)
)

// Sanitize removes control characters (except newlines and tabs) and trims whitespace.
func Sanitize(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}

// ValidateSessionID validates session ID
func ValidateSessionID(id string) error {
	if id == "" {
		return fmt.Errorf("session ID is required")
	}
	if len(id) > 100 {
		return fmt.Errorf("session ID is too long (max 100 characters)")
	}
	if !SessionIDRegex.MatchString(id) {
		return fmt.Errorf("invalid session ID format")
	}
	return nil
}

// ValidateTitle validates session title
func ValidateTitle(title string) error {
	if err := ValidateNonEmptyString(title, "title"); err != nil {
		return err
	}
	if !utf8.ValidString(title) {
		return fmt.Errorf("title contains invalid characters")
	}
	return ValidateStringLength(strings.TrimSpace(title), 1, MaxTitleLength, "title")
}

// ValidateDescription validates session description
func ValidateDescription(description string) error {
	if !utf8.ValidString(description) {
		return fmt.Errorf("description contains invalid characters")
	}
	return ValidateStringLength(description, 0, MaxDescriptionLength, "description")
}

// ValidateURL validates URL format
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid URL scheme (must be http or https)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateSourceURLs validates the external video sources of a session.
// Malformed YouTube links are rendered as placeholders, so only the URL
// shape is checked here.
func ValidateSourceURLs(urls []string) error {
	if len(urls) > MaxSourceURLs {
		return fmt.Errorf("too many source URLs (max %d)", MaxSourceURLs)
	}
	for _, u := range urls {
		if err := ValidateURL(u); err != nil {
			return fmt.Errorf("source URL %q: %w", u, err)
		}
	}
	return nil
}

// ValidateWallet validates the optional tip wallet. Both fields are set or neither.
func ValidateWallet(address, ticker string) error {
	if address == "" && ticker == "" {
		return nil
	}
	if address == "" || ticker == "" {
		return fmt.Errorf("wallet address and ticker must be given together")
	}
	if !WalletAddressRegex.MatchString(address) {
		return fmt.Errorf("invalid wallet address format")
	}
	if !TickerRegex.MatchString(ticker) {
		return fmt.Errorf("invalid wallet ticker (2-10 upper case letters or digits)")
	}
	return nil
}

// ValidateTimeLimit validates a requested duration in minutes; zero means the tier default.
func ValidateTimeLimit(minutes int) error {
	if minutes < 0 {
		return fmt.Errorf("time limit must be >= 0")
	}
	return nil
}

// ValidateNonEmptyString validates that string is not empty after trimming
func ValidateNonEmptyString(s, fieldName string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	return nil
}

// ValidateStringLength validates string length
func ValidateStringLength(s string, min, max int, fieldName string) error {
	length := utf8.RuneCountInString(s)
	if length < min {
		return fmt.Errorf("%s must be at least %d characters", fieldName, min)
	}
	if length > max {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, max)
	}
	return nil
}

// Package validator holds the per-country bookmaker rules: code formats,
// prefix normalization, and stake/odds bounds. Deterministic rejections here
// are never retried by the sync coordinator.
package validator

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/XavierBriggs/betcode/services/code-sync/pkg/models"
	"github.com/shopspring/decimal"
)

// ValidationError is a deterministic rejection of a submission field
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Rule describes one bookmaker's accepted codes and bet bounds.
// Code bodies are 6-12 alphanumerics after the bookmaker prefix.
type Rule struct {
	Prefix   string
	MinLen   int
	MaxLen   int
	MinStake decimal.Decimal
	MaxStake decimal.Decimal
	MinOdds  decimal.Decimal
	MaxOdds  decimal.Decimal
}

var (
	minOdds = decimal.NewFromFloat(1.2)
	maxOdds = decimal.NewFromInt(1000)

	nonAlnum = regexp.MustCompile(`[^A-Z0-9]`)
)

func rule(prefix string, minStake, maxStake int64) Rule {
	return Rule{
		Prefix:   prefix,
		MinLen:   6,
		MaxLen:   12,
		MinStake: decimal.NewFromInt(minStake),
		MaxStake: decimal.NewFromInt(maxStake),
		MinOdds:  minOdds,
		MaxOdds:  maxOdds,
	}
}

// rules maps country -> bookmaker -> rule
var rules = map[models.Country]map[string]Rule{
	models.CountryNigeria: {
		"bet9ja":    rule("B9J", 100, 500000),
		"sportybet": rule("SB", 100, 500000),
		"nairabet":  rule("NB", 100, 500000),
		"merrybet":  rule("MB", 100, 500000),
		"bangbet":   rule("BB", 100, 500000),
		"1xbet":     rule("1X", 100, 1000000),
	},
	models.CountryGhana: {
		"sportybet":  rule("SBG", 1, 10000),
		"betway":     rule("BW", 1, 5000),
		"soccarbet":  rule("SC", 1, 5000),
		"bangbet":    rule("BB", 1, 5000),
		"1xbet":      rule("1X", 1, 10000),
		"premierbet": rule("PB", 1, 5000),
	},
}

// Bookmakers lists the bookmakers supported in a country
func Bookmakers(country models.Country) []string {
	set := rules[country]
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	return names
}

// Lookup returns the rule for a bookmaker in a country
func Lookup(country models.Country, bookmaker string) (Rule, error) {
	set, ok := rules[country]
	if !ok {
		return Rule{}, &ValidationError{Field: "country", Reason: fmt.Sprintf("unsupported country %q", country)}
	}
	r, ok := set[strings.ToLower(bookmaker)]
	if !ok {
		return Rule{}, &ValidationError{Field: "bookmaker", Reason: fmt.Sprintf("unsupported bookmaker %q for %s", bookmaker, country)}
	}
	return r, nil
}

// FormatCode normalizes a raw code to its canonical PREFIX-BODY form:
// whitespace and punctuation stripped, uppercased, prefix made explicit.
func FormatCode(raw, bookmaker string, country models.Country) (string, error) {
	r, err := Lookup(country, bookmaker)
	if err != nil {
		return "", err
	}

	body := nonAlnum.ReplaceAllString(strings.ToUpper(strings.TrimSpace(raw)), "")
	body = strings.TrimPrefix(body, r.Prefix)

	if len(body) < r.MinLen || len(body) > r.MaxLen {
		return "", &ValidationError{
			Field: "code",
			Reason: fmt.Sprintf("%s code must be %d-%d characters after the %s- prefix (e.g. %s-A12B34)",
				bookmaker, r.MinLen, r.MaxLen, r.Prefix, r.Prefix),
		}
	}
	return r.Prefix + "-" + body, nil
}

// ValidateStakeOdds checks the bet amounts against the bookmaker's bounds
func ValidateStakeOdds(stake, odds decimal.Decimal, bookmaker string, country models.Country) error {
	r, err := Lookup(country, bookmaker)
	if err != nil {
		return err
	}

	if stake.LessThan(r.MinStake) {
		return &ValidationError{Field: "stake", Reason: fmt.Sprintf("minimum stake for %s is %s", bookmaker, r.MinStake)}
	}
	if stake.GreaterThan(r.MaxStake) {
		return &ValidationError{Field: "stake", Reason: fmt.Sprintf("maximum stake for %s is %s", bookmaker, r.MaxStake)}
	}
	if odds.LessThan(r.MinOdds) {
		return &ValidationError{Field: "odds", Reason: fmt.Sprintf("minimum odds for %s is %s", bookmaker, r.MinOdds)}
	}
	if odds.GreaterThan(r.MaxOdds) {
		return &ValidationError{Field: "odds", Reason: fmt.Sprintf("maximum odds for %s is %s", bookmaker, r.MaxOdds)}
	}
	return nil
}

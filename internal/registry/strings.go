package registry

import (
	"crypto/rand"
	"math/big"
	"regexp"
)

// sessionStringPattern matches spec §3's session_string format: 1-48
// characters drawn from letters, digits, and hyphens.
var sessionStringPattern = regexp.MustCompile(`^[A-Za-z0-9-]{1,48}$`)

// ValidSessionString reports whether s is an acceptable session string,
// whether caller-supplied or generated.
func ValidSessionString(s string) bool {
	return sessionStringPattern.MatchString(s)
}

// wordList is the NATO-style phonetic alphabet used to generate
// human-readable session strings (spec §8 scenario S1 uses "ALFA-BRAVO" as
// its example).
var wordList = []string{
	"ALFA", "BRAVO", "CHARLIE", "DELTA", "ECHO", "FOXTROT", "GOLF", "HOTEL",
	"INDIA", "JULIET", "KILO", "LIMA", "MIKE", "NOVEMBER", "OSCAR", "PAPA",
	"QUEBEC", "ROMEO", "SIERRA", "TANGO", "UNIFORM", "VICTOR", "WHISKEY",
	"XRAY", "YANKEE", "ZULU",
}

// GenerateSessionString produces a random two-word session string, e.g.
// "ALFA-BRAVO". Collision retry against the registry's live set is the
// caller's responsibility (see Registry.generateUniqueStringLocked).
func GenerateSessionString() (string, error) {
	first, err := randomWord()
	if err != nil {
		return "", err
	}
	second, err := randomWord()
	if err != nil {
		return "", err
	}
	return first + "-" + second, nil
}

func randomWord() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(wordList))))
	if err != nil {
		return "", err
	}
	return wordList[n.Int64()], nil
}

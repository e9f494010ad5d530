// Package password scores password strength for registration forms.
package password

import (
	"strings"
	"unicode/utf8"
)

// Level is a coarse strength rating
type Level string

const (
	LevelWeak   Level = "weak"
	LevelFair   Level = "fair"
	LevelGood   Level = "good"
	LevelStrong Level = "strong"
)

// MaxScore is the highest score Evaluate returns
const MaxScore = 5

const symbols = `!@#$%^&*(),.?":{}|<>`

// Strength is the result of Evaluate
type Strength struct {
	Level Level  `json:"level"`
	Score int    `json:"score"`
	Label string `json:"label"`
}

// Evaluate awards a point each for length of at least 6, length of at
// least 8, mixed case, a digit and a symbol
func Evaluate(pw string) Strength {
	score := 0
	if pw != "" {
		n := utf8.RuneCountInString(pw)
		if n >= 6 {
			score++
		}
		if n >= 8 {
			score++
		}
		if strings.ContainsAny(pw, "abcdefghijklmnopqrstuvwxyz") && strings.ContainsAny(pw, "ABCDEFGHIJKLMNOPQRSTUVWXYZ") {
			score++
		}
		if strings.ContainsAny(pw, "0123456789") {
			score++
		}
		if strings.ContainsAny(pw, symbols) {
			score++
		}
	}

	level := LevelStrong
	switch {
	case score <= 1:
		level = LevelWeak
	case score == 2:
		level = LevelFair
	case score == 3:
		level = LevelGood
	}
	return Strength{Level: level, Score: score, Label: label(level)}
}

func label(l Level) string {
	switch l {
	case LevelWeak:
		return "Weak"
	case LevelFair:
		return "Fair"
	case LevelGood:
		return "Good"
	}
	return "Strong"
}

package password

import "testing"

func TestEvaluate(t *testing.T) {
	tests := []struct {
		pw    string
		score int
		level Level
	}{
		{"", 0, LevelWeak},
		{"abc", 0, LevelWeak},
		{"abcdef", 1, LevelWeak},
		{"abcdefgh", 2, LevelFair},
		{"Abcdefgh", 3, LevelGood},
		{"Abcdefg1", 4, LevelStrong},
		{"Abcdef1!", 5, LevelStrong},
		{"abc1!", 2, LevelFair},
		{"ÄÖÜäöü", 1, LevelWeak},
	}

	for _, tt := range tests {
		t.Run(tt.pw, func(t *testing.T) {
			got := Evaluate(tt.pw)
			if got.Score != tt.score {
				t.Errorf("Score = %d, want %d", got.Score, tt.score)
			}
			if got.Level != tt.level {
				t.Errorf("Level = %v, want %v", got.Level, tt.level)
			}
			if got.Score > MaxScore {
				t.Errorf("Score %d exceeds MaxScore", got.Score)
			}
		})
	}
}

func TestEvaluate_Label(t *testing.T) {
	if got := Evaluate("Abcdef1!").Label; got != "Strong" {
		t.Errorf("Label = %v, want Strong", got)
	}
	if got := Evaluate("").Label; got != "Weak" {
		t.Errorf("Label = %v, want Weak", got)
	}
}

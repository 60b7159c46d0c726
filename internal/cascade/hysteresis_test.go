package cascade

import (
	"testing"

	"counterliq/pkg/types"
)

func TestScoreLevelBoundaries(t *testing.T) {
	t.Parallel()

	cases := []struct {
		score int
		want  types.CascadeLevel
	}{
		{0, types.LevelGreen},
		{1, types.LevelGreen},
		{2, types.LevelYellow},
		{3, types.LevelYellow},
		{4, types.LevelOrange},
		{5, types.LevelOrange},
		{6, types.LevelRed},
		{8, types.LevelRed},
	}
	for _, tc := range cases {
		if got := scoreLevel(tc.score); got != tc.want {
			t.Errorf("scoreLevel(%d) = %s, want %s", tc.score, got, tc.want)
		}
	}
}

func TestLightEscalatesImmediately(t *testing.T) {
	t.Parallel()

	var l light
	if got := l.apply(7); got != types.LevelRed {
		t.Errorf("apply(7) from green = %s, want red", got)
	}
}

// Score sequence {5,6,6,5,4,4,4,4,4,4,3}: red from tick 2, blocked through
// tick 10, orange on tick 11 after six sustained ticks at or below 4.
func TestLightRedCooldownSequence(t *testing.T) {
	t.Parallel()

	scores := []int{5, 6, 6, 5, 4, 4, 4, 4, 4, 4, 3}
	want := []types.CascadeLevel{
		types.LevelOrange, // tick 1
		types.LevelRed,    // tick 2
		types.LevelRed, types.LevelRed, types.LevelRed, types.LevelRed,
		types.LevelRed, types.LevelRed, types.LevelRed,
		types.LevelRed,    // tick 10: sixth sustained tick, still holding
		types.LevelOrange, // tick 11
	}

	var l light
	for i, score := range scores {
		got := l.apply(score)
		if got != want[i] {
			t.Errorf("tick %d (score %d): level = %s, want %s", i+1, score, got, want[i])
		}
		blocked := got >= types.LevelOrange
		if i >= 1 && i <= 9 && got != types.LevelRed {
			t.Errorf("tick %d: expected red while cooling", i+1)
		}
		if !blocked {
			t.Errorf("tick %d: autoBlock condition false, want true throughout", i+1)
		}
	}
}

func TestLightResetsCooldownOnSpike(t *testing.T) {
	t.Parallel()

	var l light
	l.apply(6) // red
	for i := 0; i < 5; i++ {
		l.apply(4)
	}
	l.apply(5) // above the red band, resets the counter
	for i := 0; i < 6; i++ {
		if got := l.apply(4); got != types.LevelRed {
			t.Fatalf("tick %d after reset: level = %s, want red", i+1, got)
		}
	}
	if got := l.apply(4); got != types.LevelOrange {
		t.Errorf("after full cooldown: level = %s, want orange", got)
	}
}

func TestLightStepsDownOneLevelAtATime(t *testing.T) {
	t.Parallel()

	var l light
	l.apply(8) // red
	for i := 0; i < 7; i++ {
		l.apply(0)
	}
	if l.level != types.LevelOrange {
		t.Fatalf("after first cooldown: level = %s, want orange", l.level)
	}
	for i := 0; i < 7; i++ {
		l.apply(0)
	}
	if l.level != types.LevelYellow {
		t.Fatalf("after second cooldown: level = %s, want yellow", l.level)
	}
	for i := 0; i < 7; i++ {
		l.apply(0)
	}
	if l.level != types.LevelGreen {
		t.Errorf("after third cooldown: level = %s, want green", l.level)
	}
}

package cascade

import "counterliq/pkg/types"

// deEscalateTicks is how many consecutive ticks the score must sit at or
// below the current level's lower band before the light steps down.
const deEscalateTicks = 6

// scoreLevel maps a raw score to a traffic light with no hysteresis.
func scoreLevel(score int) types.CascadeLevel {
	switch {
	case score >= 6:
		return types.LevelRed
	case score >= 4:
		return types.LevelOrange
	case score >= 2:
		return types.LevelYellow
	default:
		return types.LevelGreen
	}
}

// lowerBand is the score at or below which a level may start cooling down.
func lowerBand(level types.CascadeLevel) int {
	switch level {
	case types.LevelRed:
		return 4
	case types.LevelOrange:
		return 2
	default: // yellow
		return 0
	}
}

// light applies escalation/de-escalation hysteresis to the raw score
// sequence. Escalation is immediate; stepping down one level requires the
// score to hold at or below the current level's lower band for
// deEscalateTicks consecutive ticks. Any tick above the band resets the
// counter.
type light struct {
	level   types.CascadeLevel
	coolFor int
}

// apply feeds one tick's score and returns the resulting level. The step
// down happens on the tick after the sixth sustained one, so a level holds
// for the full cooldown before relaxing.
func (l *light) apply(score int) types.CascadeLevel {
	target := scoreLevel(score)
	if target > l.level {
		l.level = target
		l.coolFor = 0
		return l.level
	}
	if l.level == types.LevelGreen {
		return l.level
	}

	if score <= lowerBand(l.level) {
		if l.coolFor >= deEscalateTicks {
			l.level--
			l.coolFor = 0
		} else {
			l.coolFor++
		}
	} else {
		l.coolFor = 0
	}
	return l.level
}

package collector

import "github.com/ernie/deathwatch/internal/domain"

// DeathDiscriminator is the event-type value marking a player death.
const DeathDiscriminator = "PLAYER_DEATH"

// ExtractDeath classifies a log event as a player death. Malformed and
// irrelevant lines are frequent and expected, so anything that does not
// match simply returns false rather than an error.
//
// The Steam64 ID is read from player.steamId, falling back to a
// top-level steamId for older log formats. In strict mode the nested
// dead flag must be explicitly true; lenient mode accepts the
// discriminator and identity alone.
func ExtractDeath(event domain.LogEvent, strict bool) (domain.DeathEvent, bool) {
	if event.Data == nil {
		return domain.DeathEvent{}, false
	}
	if event.Data["event"] != DeathDiscriminator {
		return domain.DeathEvent{}, false
	}

	player, _ := event.Data["player"].(map[string]any)

	steamID, _ := player["steamId"].(string)
	if steamID == "" {
		steamID, _ = event.Data["steamId"].(string)
	}
	if steamID == "" {
		return domain.DeathEvent{}, false
	}

	if strict {
		dead, ok := player["dead"].(bool)
		if !ok || !dead {
			return domain.DeathEvent{}, false
		}
	}

	death := domain.DeathEvent{SteamID: steamID, Raw: event.Data}
	if aliveSec, ok := player["aliveSec"].(float64); ok {
		sec := int(aliveSec)
		death.AliveSec = &sec
	}
	return death, true
}

package game

import "encoding/json"

type Inventory struct {
	Credits    int64 `json:"credits"`
	Materials  int64 `json:"materials"`
	Contraband int64 `json:"contraband"`
}

type Scalars struct {
	XP            int `json:"xp"`
	AttackRating  int `json:"attack_rating"`
	DefenseRating int `json:"defense_rating"`
	AttacksWon    int `json:"attacks_won"`
	DefensesWon   int `json:"defenses_won"`
}

// PvpLock is the exclusive attack slot. On the attacker it names the target,
// on the defender it names the attacker.
type PvpLock struct {
	PlayerID   string `json:"player_id"`
	BattleID   string `json:"battle_id"`
	Expiration int64  `json:"expiration"`
	DevBase    bool   `json:"dev_base,omitempty"`
}

func (l *PvpLock) Expired(now int64) bool {
	return l == nil || l.Expiration < now
}

type Building struct {
	UID   string `json:"uid"`
	Key   string `json:"key"`
	Type  string `json:"type"`
	X     int    `json:"x"`
	Z     int    `json:"z"`
	Armed bool   `json:"armed,omitempty"`
}

type BaseMap struct {
	Planet    string     `json:"planet"`
	Next      int        `json:"next"`
	Buildings []Building `json:"buildings"`
}

func (m BaseMap) Clone() BaseMap {
	out := m
	if m.Buildings != nil {
		out.Buildings = append([]Building(nil), m.Buildings...)
	}
	return out
}

// ArmTraps returns a copy with every trap building armed.
func (m BaseMap) ArmTraps() BaseMap {
	out := m.Clone()
	for i := range out.Buildings {
		if out.Buildings[i].Type == TrapBuildingType {
			out.Buildings[i].Armed = true
		}
	}
	return out
}

type Player struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	Faction           Faction   `json:"faction"`
	HQLevel           int       `json:"hq_level"`
	Inventory         Inventory `json:"inventory"`
	Scalars           Scalars   `json:"scalars"`
	GuildID           string    `json:"guild_id,omitempty"`
	GuildName         string    `json:"guild_name,omitempty"`
	BaseMap           BaseMap   `json:"base_map"`
	ProtectedUntil    int64     `json:"protected_until"`
	KeepAlive         int64     `json:"keep_alive"`
	CurrentPvpAttack  *PvpLock  `json:"current_pvp_attack,omitempty"`
	CurrentPvpDefence *PvpLock  `json:"current_pvp_defence,omitempty"`
	Version           int64     `json:"version"`
}

func (p Player) XP() int { return p.Scalars.XP }

func (p Player) Clone() Player {
	out := p
	out.BaseMap = p.BaseMap.Clone()
	if p.CurrentPvpAttack != nil {
		l := *p.CurrentPvpAttack
		out.CurrentPvpAttack = &l
	}
	if p.CurrentPvpDefence != nil {
		l := *p.CurrentPvpDefence
		out.CurrentPvpDefence = &l
	}
	return out
}

type SquadMember struct {
	PlayerID string `json:"player_id"`
	Name     string `json:"name"`
	Officer  bool   `json:"officer,omitempty"`
	Owner    bool   `json:"owner,omitempty"`
	HQLevel  int    `json:"hq_level"`
	XP       int    `json:"xp"`
	WarParty bool   `json:"war_party,omitempty"`
}

type Squad struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	Icon          string        `json:"icon"`
	Faction       Faction       `json:"faction"`
	Members       []SquadMember `json:"members"`
	WarID         string        `json:"war_id,omitempty"`
	WarSignUpTime int64         `json:"war_sign_up_time,omitempty"`
	Score         int           `json:"score"`
	Version       int64         `json:"version"`
}

func (s Squad) Clone() Squad {
	out := s
	if s.Members != nil {
		out.Members = append([]SquadMember(nil), s.Members...)
	}
	return out
}

func (s Squad) Member(playerID string) (SquadMember, bool) {
	for _, m := range s.Members {
		if m.PlayerID == playerID {
			return m, true
		}
	}
	return SquadMember{}, false
}

type SquadSummary struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Icon string `json:"icon"`
}

type SignUpParticipant struct {
	PlayerID string  `json:"player_id"`
	Name     string  `json:"name"`
	HQLevel  int     `json:"hq_level"`
	Map      BaseMap `json:"map"`
}

type WarSignUp struct {
	GuildID            string              `json:"guild_id"`
	GuildName          string              `json:"guild_name"`
	Icon               string              `json:"icon"`
	Faction            Faction             `json:"faction"`
	ParticipantIDs     []string            `json:"participant_ids"`
	Participants       []SignUpParticipant `json:"participants"`
	SameFactionAllowed bool                `json:"same_faction_allowed"`
	Time               int64               `json:"time"`
}

// WarParticipant is one player's record inside a war.
type WarParticipant struct {
	WarID             string  `json:"war_id"`
	PlayerID          string  `json:"player_id"`
	GuildID           string  `json:"guild_id"`
	Name              string  `json:"name"`
	Level             int     `json:"level"`
	Turns             int     `json:"turns"`
	VictoryPoints     int     `json:"victory_points"`
	AttackBattleID    string  `json:"attack_battle_id,omitempty"`
	AttackExpiration  int64   `json:"attack_expiration,omitempty"`
	DefenseBattleID   string  `json:"defense_battle_id,omitempty"`
	DefenseExpiration int64   `json:"defense_expiration,omitempty"`
	Score             int     `json:"score"`
	WarMap            BaseMap `json:"war_map"`
}

type PlayerWarMap struct {
	PlayerID string  `json:"player_id"`
	Map      BaseMap `json:"map"`
	Time     int64   `json:"time"`
}

type PvpMatch struct {
	BattleID               string  `json:"battle_id"`
	BattleDate             int64   `json:"battle_date"`
	AttackerID             string  `json:"attacker_id"`
	DefenderID             string  `json:"defender_id"`
	DefenderName           string  `json:"defender_name"`
	DefenderFaction        Faction `json:"defender_faction"`
	DefenderLevel          int     `json:"defender_level"`
	DefenderXP             int     `json:"defender_xp"`
	DefenderGuildID        string  `json:"defender_guild_id,omitempty"`
	DefenderGuildName      string  `json:"defender_guild_name,omitempty"`
	DefenderBaseMap        BaseMap `json:"defender_base_map"`
	DefenderProtectedUntil int64   `json:"defender_protected_until"`
	CreditsCharged         int64   `json:"credits_charged"`
	Revenge                bool    `json:"revenge"`
	DevBase                bool    `json:"dev_base"`
}

type DevBase struct {
	ID        string  `json:"id"`
	HQ        int     `json:"hq"`
	XP        int     `json:"xp"`
	Checksum  string  `json:"checksum"`
	Map       BaseMap `json:"map"`
	CreatedAt int64   `json:"created_at"`
}

type NotificationType string

const (
	NotifyWarMatchmakingBegin     NotificationType = "warMatchmakingBegin"
	NotifyWarMatchmakingCancel    NotificationType = "warMatchmakingCancel"
	NotifyWarPrepared             NotificationType = "warPrepared"
	NotifyWarPlayerAttackStart    NotificationType = "warPlayerAttackStart"
	NotifyWarPlayerAttackComplete NotificationType = "warPlayerAttackComplete"
	NotifyWarEnded                NotificationType = "warEnded"
)

type Notification struct {
	ID         string           `json:"id"`
	GuildID    string           `json:"guild_id"`
	GuildName  string           `json:"guild_name"`
	PlayerID   string           `json:"player_id,omitempty"`
	PlayerName string           `json:"player_name,omitempty"`
	Type       NotificationType `json:"type"`
	Message    string           `json:"message,omitempty"`
	Date       int64            `json:"date"`
	Data       json.RawMessage  `json:"data,omitempty"`
}

type TournamentStat struct {
	TournamentID string  `json:"tournament_id"`
	PlayerID     string  `json:"player_id"`
	Name         string  `json:"name"`
	GuildID      string  `json:"guild_id,omitempty"`
	GuildName    string  `json:"guild_name,omitempty"`
	Icon         string  `json:"icon,omitempty"`
	Faction      Faction `json:"faction"`
	HQLevel      int     `json:"hq_level"`
	Planet       string  `json:"planet,omitempty"`
	Value        int64   `json:"value"`
	AttacksWon   int     `json:"attacks_won"`
	DefensesWon  int     `json:"defenses_won"`
	Rank         int     `json:"rank"`
	Percentile   float64 `json:"percentile"`
}

type AttackDetail struct {
	WarID      string `json:"war_id"`
	BattleID   string `json:"battle_id"`
	DefenderID string `json:"defender_id"`
	Expiration int64  `json:"expiration"`
}

type AttackResult struct {
	WarID          string `json:"war_id"`
	BattleID       string `json:"battle_id"`
	DefenderID     string `json:"defender_id"`
	Stars          int    `json:"stars"`
	VictoryPoints  int    `json:"victory_points"`
	DefenderPoints int    `json:"defender_points"`
}

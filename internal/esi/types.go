package esi

import (
	"encoding/json"
	"time"
)

// Location is the character's current position
type Location struct {
	SolarSystemID int64  `json:"solar_system_id"`
	StationID     *int64 `json:"station_id,omitempty"`
	StructureID   *int64 `json:"structure_id,omitempty"`
}

// OnlineStatus is the character's login state
type OnlineStatus struct {
	Online     bool       `json:"online"`
	LastLogin  *time.Time `json:"last_login,omitempty"`
	LastLogout *time.Time `json:"last_logout,omitempty"`
	Logins     *int       `json:"logins,omitempty"`
}

// StructureRef identifies a player structure; its details need extra scopes
type StructureRef struct {
	StructureID int64 `json:"structure_id"`
}

// LocationDetail is the enriched location: the system payload with the raw
// location, the sovereignty entry and the optional members attached.
// A nil optional member is omitted from the JSON form.
type LocationDetail struct {
	System    json.RawMessage
	Location  Location
	Sov       json.RawMessage
	Faction   json.RawMessage
	Structure *StructureRef
	Station   json.RawMessage
}

// MarshalJSON flattens the system fields and adds location, sov, faction,
// structure and station keys on top of them
func (d *LocationDetail) MarshalJSON() ([]byte, error) {
	fields := make(map[string]json.RawMessage)
	if len(d.System) > 0 {
		if err := json.Unmarshal(d.System, &fields); err != nil {
			return nil, err
		}
	}

	loc, err := json.Marshal(d.Location)
	if err != nil {
		return nil, err
	}
	fields["location"] = loc

	if len(d.Sov) > 0 {
		fields["sov"] = d.Sov
	} else {
		fields["sov"] = json.RawMessage(`{}`)
	}
	if len(d.Faction) > 0 {
		fields["faction"] = d.Faction
	}
	if d.Structure != nil {
		s, err := json.Marshal(d.Structure)
		if err != nil {
			return nil, err
		}
		fields["structure"] = s
	}
	if len(d.Station) > 0 {
		fields["station"] = d.Station
	}
	return json.Marshal(fields)
}

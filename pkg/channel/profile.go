package channel

import "encoding/json"

// Profile carries the user attributes that determine channel assignment.
// It is supplied by the external user store.
type Profile struct {
	Group        string `json:"group"`
	AcademicYear string `json:"anne_scolaire"`
}

// UnmarshalJSON accepts "academicYear" as an alias of "anne_scolaire".
func (p *Profile) UnmarshalJSON(data []byte) error {
	var raw struct {
		Group        string `json:"group"`
		AnneScolaire string `json:"anne_scolaire"`
		AcademicYear string `json:"academicYear"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	p.Group = raw.Group
	p.AcademicYear = raw.AnneScolaire
	if p.AcademicYear == "" {
		p.AcademicYear = raw.AcademicYear
	}
	return nil
}

// FromProfile returns the group and academic-year channels of a user.
func FromProfile(p Profile) (group, year ID, err error) {
	if group, err = Group(p.Group); err != nil {
		return ID{}, ID{}, err
	}
	if year, err = Year(p.AcademicYear); err != nil {
		return ID{}, ID{}, err
	}
	return group, year, nil
}

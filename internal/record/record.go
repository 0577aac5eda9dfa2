package record

import (
	"fmt"

	"github.com/boutros/marc"
)

const idTag = "001"

// Values returns every value addressed by spec, in field order.
func Values(rec marc.Record, spec TagSpec) []string {
	var out []string
	if spec.IsControl() {
		for _, cf := range rec.CtrlFields {
			if cf.Tag == spec.Tag {
				out = append(out, cf.Value)
			}
		}
		return out
	}
	for _, df := range rec.DataFields {
		if df.Tag != spec.Tag || !indicatorMatches(spec.Ind1, df.Ind1) || !indicatorMatches(spec.Ind2, df.Ind2) {
			continue
		}
		for _, sf := range df.SubFields {
			if spec.Code == "%" || sf.Code == spec.Code {
				out = append(out, sf.Value)
			}
		}
	}
	return out
}

// HasField reports whether any field with the tag of spec exists.
func HasField(rec marc.Record, spec TagSpec) bool {
	return len(Values(rec, spec)) > 0
}

// ID returns the record identifier held in the 001 control field.
func ID(rec marc.Record) string {
	for _, cf := range rec.CtrlFields {
		if cf.Tag == idTag {
			return cf.Value
		}
	}
	return ""
}

// SetID stamps id onto the 001 control field, replacing any existing value.
func SetID(rec *marc.Record, id string) {
	for i, cf := range rec.CtrlFields {
		if cf.Tag == idTag {
			rec.CtrlFields[i].Value = id
			return
		}
	}
	rec.CtrlFields = append(marc.CFields{{Tag: idTag, Value: id}}, rec.CtrlFields...)
}

// Validate rejects records the matcher cannot work with.
func Validate(rec marc.Record) error {
	if len(rec.CtrlFields) == 0 && len(rec.DataFields) == 0 {
		return fmt.Errorf("record has no fields")
	}
	for _, cf := range rec.CtrlFields {
		if !IsTagSpec(cf.Tag) || len(cf.Tag) != 3 {
			return fmt.Errorf("invalid control field tag %q", cf.Tag)
		}
	}
	for _, df := range rec.DataFields {
		if !IsTagSpec(df.Tag) || len(df.Tag) != 3 {
			return fmt.Errorf("invalid data field tag %q", df.Tag)
		}
		if len(df.SubFields) == 0 {
			return fmt.Errorf("data field %s has no subfields", df.Tag)
		}
	}
	return nil
}

package dialogflow

// attachToLast attaches fields to the last unit of any kind, or appends a
// standalone unit when the list is empty.
func attachToLast(units []MessageUnit, fields *CustomFields) []MessageUnit {
	if fields == nil {
		return units
	}
	if len(units) == 0 {
		return append(units, MessageUnit{CustomFields: fields})
	}
	units[len(units)-1].CustomFields = mergeFields(units[len(units)-1].CustomFields, fields)
	return units
}

// attachToLastText walks units from the end and attaches fields to the first
// text unit found, or appends a standalone unit when none carries text.
func attachToLastText(units []MessageUnit, fields *CustomFields) []MessageUnit {
	if fields == nil {
		return units
	}
	for i := len(units) - 1; i >= 0; i-- {
		if units[i].Text != "" {
			units[i].CustomFields = mergeFields(units[i].CustomFields, fields)
			return units
		}
	}
	return append(units, MessageUnit{CustomFields: fields})
}

func mergeFields(dst, src *CustomFields) *CustomFields {
	if dst == nil {
		c := *src
		return &c
	}
	merged := *dst
	merged.DisableInput = src.DisableInput
	merged.DisableInputMessage = src.DisableInputMessage
	merged.DisplayTyping = src.DisplayTyping
	if src.MediaCardURL != "" {
		merged.MediaCardURL = src.MediaCardURL
	}
	return &merged
}

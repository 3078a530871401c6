// ABOUTME: Tool definitions exposed to the assistant for event booking
// ABOUTME: Names, descriptions, and JSON schemas shared by dispatch and assistant registration

package tools

// Tool names the assistant may request.
const (
	BookEvent            = "book_event"
	GetAllBookedEvents   = "get_all_booked_events"
	GetSingleBookedEvent = "get_single_booked_event"
)

// Definition describes a tool to the assistant service.
type Definition struct {
	Name            string
	Description     string
	InputSchemaJSON string
	// Required lists argument names that must be present and non-empty
	// before the tool is dispatched.
	Required []string
}

// Definitions returns the fixed tool set in registration order.
func Definitions() []Definition {
	return []Definition{
		{
			Name:            BookEvent,
			Description:     "Book the event",
			InputSchemaJSON: `{"type":"object","properties":{"event_name":{"type":"string","description":"Event Name"},"event_time":{"type":"string","description":"Event time must be in ISO format"},"coordinator":{"type":"string","description":"The name of the coordinator managing the event"},"event_location":{"type":"string","description":"The location or venue of the event"}},"required":["event_name","event_time","coordinator","event_location"]}`,
			Required:        []string{"event_name", "event_time", "coordinator", "event_location"},
		},
		{
			Name:            GetAllBookedEvents,
			Description:     "Get all the Scheduled events from the Airtable",
			InputSchemaJSON: `{"type":"object","properties":{},"required":[]}`,
		},
		{
			Name:            GetSingleBookedEvent,
			Description:     "Get the details of the event booked",
			InputSchemaJSON: `{"type":"object","properties":{"event_name":{"type":"string","description":"The name of the event of which details to be found"}},"required":["event_name"]}`,
			Required:        []string{"event_name"},
		},
	}
}

// lookupDefinition returns the definition for name, if it is a known tool.
func lookupDefinition(name string) (Definition, bool) {
	for _, def := range Definitions() {
		if def.Name == name {
			return def, true
		}
	}
	return Definition{}, false
}

package discovery

type fanConfiguration struct {
	UniqueId               string `json:"unique_id"`
	Name                   string `json:"name"`
	StateTopic             string `json:"state_topic"`
	CommandTopic           string `json:"command_topic"`
	PayloadOn              string `json:"payload_on"`
	PayloadOff             string `json:"payload_off"`
	PercentageStateTopic   string `json:"percentage_state_topic,omitempty"`
	PercentageCommandTopic string `json:"percentage_command_topic,omitempty"`
	AvailabilityTopic      string `json:"availability_topic"`
	Device                 device `json:"device"`
}

type device struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name,omitempty"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
}

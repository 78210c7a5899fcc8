package domain

// Payload structs are the JSON-marshaled bodies stored opaquely in
// StoredEvent.Data and carried as the integration event's payload on the
// bus (spec §3 event catalog, §6 wire format). Handlers deserialize these
// on demand — filter by EventType, then unmarshal — rather than coupling
// the event store to a closed Go type (spec §9, "JSON payload opacity").

type DiscoveredPayload struct {
	RequestID    string `json:"requestId"`
	PartitionKey string `json:"partitionKey"`
	RowKey       string `json:"rowKey"`
}

type PreparedPayload struct {
	RequestID    string `json:"requestId"`
	PartitionKey string `json:"partitionKey"`
	RowKey       string `json:"rowKey"`
	Attempt      int    `json:"attempt"`
}

type SubmittedPayload struct {
	RequestID     string `json:"requestId"`
	PartitionKey  string `json:"partitionKey"`
	RowKey        string `json:"rowKey"`
	ExternalJobID string `json:"externalJobId"`
	Attempt       int    `json:"attempt"`
}

type PollRequestedPayload struct {
	RequestID     string `json:"requestId"`
	ExternalJobID string `json:"externalJobId"`
	Attempt       int    `json:"attempt"`
}

type TerminalPayload struct {
	RequestID      string         `json:"requestId"`
	ExternalJobID  string         `json:"externalJobId"`
	TerminalStatus TerminalStatus `json:"terminalStatus"`
	Attempt        int            `json:"attempt"`
}

type CompletedPayload struct {
	RequestID   string      `json:"requestId"`
	FinalStatus FinalStatus `json:"finalStatus"`
}

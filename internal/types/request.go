package types

type RequestCreateSession struct {
	GroupID string `json:"group_id"`
}

type RequestSendText struct {
	Target  string `json:"target"`
	Message string `json:"message"`
}

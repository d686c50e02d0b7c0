package models

// Data: поле "data" ответа Tracktry как есть (map[string]any у trackings,
// []any у carriers). Клиент его не разбирает.
type Data = any

// EmptyData: пустой "{}", когда отдавать нечего.
func EmptyData() Data {
	return map[string]any{}
}

// Meta: поле "meta" ответа Tracktry.
type Meta struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
}

// Envelope: один разобранный ответ Tracktry.
type Envelope struct {
	Data Data `json:"data"`
	Meta Meta `json:"meta"`
}

type AddTrackingInput struct {
	TrackingNumber string
	Title          string
	CarrierCode    string
	PostalCode     string
}

package models

// HospitalCreate is one record parsed from an uploaded CSV file
type HospitalCreate struct {
	Name    string `json:"name" validate:"required,min=1,max=255"`
	Address string `json:"address" validate:"required,min=1,max=500"`
	Phone   string `json:"phone,omitempty" validate:"omitempty,max=20"`
}

// HospitalResponse represents a hospital as returned by the directory service
type HospitalResponse struct {
	ID              int64   `json:"id"`
	Name            string  `json:"name"`
	Address         string  `json:"address"`
	Phone           *string `json:"phone"`
	CreationBatchID string  `json:"creation_batch_id"`
	Active          bool    `json:"active"`
	CreatedAt       string  `json:"created_at"`
}

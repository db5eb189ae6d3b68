package models

// MappingRequest represents an IP mapping creation request
type MappingRequest struct {
	Prefix   string `json:"prefix" binding:"required"`
	CPU      uint32 `json:"cpu"`
	TCHandle string `json:"tc_handle" binding:"required"`
}

// MappingResponse represents an IP mapping in API responses
type MappingResponse struct {
	Prefix   string `json:"prefix"`
	CPU      uint32 `json:"cpu"`
	TCHandle string `json:"tc_handle"`
}

// MappingListResponse represents a list of IP mappings
type MappingListResponse struct {
	Mappings []MappingResponse `json:"mappings"`
	Count    int               `json:"count"`
}

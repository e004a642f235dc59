package storyapi

import "storysync/internal/domain"

// envelope is the common part of every API response.
type envelope struct {
	Error   bool   `json:"error"`
	Message string `json:"message"`
}

type ListResponse struct {
	Error     bool       `json:"error"`
	Message   string     `json:"message"`
	ListStory []APIStory `json:"listStory"`
}

type DetailResponse struct {
	Error   bool      `json:"error"`
	Message string    `json:"message"`
	Story   *APIStory `json:"story"`
}

type LoginResponse struct {
	Error       bool         `json:"error"`
	Message     string       `json:"message"`
	LoginResult *LoginResult `json:"loginResult"`
}

type LoginResult struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
	Token  string `json:"token"`
}

type APIStory struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	PhotoURL    string   `json:"photoUrl"`
	CreatedAt   string   `json:"createdAt"`
	Lat         *float64 `json:"lat"`
	Lon         *float64 `json:"lon"`
}

func (a APIStory) toDomain() domain.Story {
	story := domain.Story{
		ID:          a.ID,
		Name:        a.Name,
		Description: a.Description,
		PhotoURL:    a.PhotoURL,
		CreatedAt:   a.CreatedAt,
	}
	// coordinates travel as a pair
	if a.Lat != nil && a.Lon != nil {
		story.Lat = a.Lat
		story.Lon = a.Lon
	}
	return story
}

package domain

// Story is a single post as returned by the story API and kept in the local cache.
type Story struct {
	ID          string   `db:"id" json:"id"`
	Name        string   `db:"name" json:"name"`
	Description string   `db:"description" json:"description"`
	PhotoURL    string   `db:"photo_url" json:"photoUrl"`
	CreatedAt   string   `db:"created_at" json:"createdAt"`
	Lat         *float64 `db:"lat" json:"lat,omitempty"`
	Lon         *float64 `db:"lon" json:"lon,omitempty"`
}

// HasLocation reports whether both coordinates are present.
func (s Story) HasLocation() bool {
	return s.Lat != nil && s.Lon != nil
}

// PageBoundary records the page tokens a cached story was fetched with.
// A nil NextPage on the most recent boundary means the list is exhausted.
type PageBoundary struct {
	StoryID  string `db:"story_id"`
	PrevPage *int   `db:"prev_page"`
	NextPage *int   `db:"next_page"`
}

type Session struct {
	Name     string
	Email    string
	Password string
	Token    string
	IsLogin  bool
}

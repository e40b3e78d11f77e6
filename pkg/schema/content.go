// Package schema defines the content records managed by celerix-cms, each with
// its id-less input form. Input types carry gin binding tags; the stores
// themselves accept any input without validation.
package schema

// Client is a customer shown on the site. Logo is an image URL.
type Client struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Logo        string `json:"logo"`
	Description string `json:"description"`
}

func (c Client) EntityID() string { return c.ID }

type ClientInput struct {
	Name        string `json:"name" binding:"required"`
	Logo        string `json:"logo"`
	Description string `json:"description"`
}

func (in ClientInput) WithID(id string) Client {
	return Client{ID: id, Name: in.Name, Logo: in.Logo, Description: in.Description}
}

// Partner is a technology partner.
type Partner struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Logo string `json:"logo"`
}

func (p Partner) EntityID() string { return p.ID }

type PartnerInput struct {
	Name string `json:"name" binding:"required"`
	Logo string `json:"logo"`
}

func (in PartnerInput) WithID(id string) Partner {
	return Partner{ID: id, Name: in.Name, Logo: in.Logo}
}

// Project is a case study. Projects are displayed in collection order.
type Project struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Image       string `json:"image"`
}

func (p Project) EntityID() string { return p.ID }

type ProjectInput struct {
	Title       string `json:"title" binding:"required"`
	Description string `json:"description"`
	Image       string `json:"image"`
}

func (in ProjectInput) WithID(id string) Project {
	return Project{ID: id, Title: in.Title, Description: in.Description, Image: in.Image}
}

// Stat is a headline figure such as "150+ projects delivered".
type Stat struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Value string `json:"value"`
	Icon  string `json:"icon"`
}

func (s Stat) EntityID() string { return s.ID }

type StatInput struct {
	Label string `json:"label" binding:"required"`
	Value string `json:"value" binding:"required"`
	Icon  string `json:"icon"`
}

func (in StatInput) WithID(id string) Stat {
	return Stat{ID: id, Label: in.Label, Value: in.Value, Icon: in.Icon}
}

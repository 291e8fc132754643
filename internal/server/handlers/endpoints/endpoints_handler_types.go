package endpoints

type CreateRequest struct {
	Name   string `json:"name" binding:"required"`
	Policy string `json:"policy" binding:"required"`
}

type NameParam struct {
	Name string `uri:"name" binding:"required"`
}

package server

import (
	"github.com/michaelschiller-mdm-solutions/tiktok-warmup-bot-sub010/internal/domain"
)

type ImportAccountRequest struct {
	Username        string `json:"username" example:"cherry.blossom94"`
	ModelName       string `json:"model_name" example:"Cherry"`
	ContainerNumber *int   `json:"container_number,omitempty" example:"3"`
}

type AddContentRequest struct {
	Location   string   `json:"location" example:"pfp/cherry_01.jpg"`
	Categories []string `json:"categories" example:"[\"pfp\"]"`
}

type AddTextRequest struct {
	Text         string   `json:"text" example:"just vibes"`
	Categories   []string `json:"categories" example:"[\"bio\"]"`
	TemplateName string   `json:"template_name,omitempty"`
}

type ResolveReviewRequest struct {
	Method string `json:"method" enum:"retry,manual_completion,skip_phase,reset_account,change_content,escalate_support,other"`
	Notes  string `json:"notes,omitempty"`
}

type QueueStatusResponse struct {
	Counts   map[string]int `json:"counts"`
	InFlight int            `json:"in_flight"`
	Slots    []domain.Slot  `json:"slots"`
}

type accountList struct {
	Items []domain.Account `json:"items"`
}

type reviewList struct {
	Items []domain.ReviewEntry `json:"items"`
}

type contentList struct {
	Items []domain.ContentItem `json:"items"`
}

type textList struct {
	Items []domain.TextItem `json:"items"`
}

type eventList struct {
	Items []domain.Event `json:"items"`
}

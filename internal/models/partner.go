package models

import "time"

// Partner is an AI conversation partner the user chats with.
type Partner struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	FirstMessage string `json:"first_message"`
	PersonaPath  string `json:"persona_path"`
	Provider     string `json:"provider"`
	Model        string `json:"model"`
}

// User is a registered account on the backend.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

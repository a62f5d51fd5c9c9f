// Package model defines the data structures used throughout the application.
package model

import "time"

// User is a registered account.
//
// PasswordHash carries a `json:"-"` tag so it can never be serialised, no
// matter which handler returns the struct.
type User struct {
	ID           string     `json:"id"`
	Username     string     `json:"username"`
	Email        string     `json:"email,omitempty"`
	PasswordHash string     `json:"-"`
	Avatar       string     `json:"avatar"`
	CreatedAt    time.Time  `json:"createdAt"`
	LastLoginAt  *time.Time `json:"lastLogin,omitempty"`
}

// Profile is the public view of a user attached to questions and comments.
type Profile struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar"`
}

func (u *User) Profile() Profile {
	return Profile{ID: u.ID, Username: u.Username, Avatar: u.Avatar}
}

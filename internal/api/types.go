package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// User is the profile snapshot returned on login.
type User struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Name      string `json:"name,omitempty"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

// Token is a credential plus its expiry when the server reports one.
// It decodes from a bare string or from {"token": ..., "expiry": ...} where
// expiry is RFC 3339 or unix seconds.
type Token struct {
	Token  string    `json:"token"`
	Expiry time.Time `json:"expiry,omitempty"`
}

func (t *Token) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &t.Token)
	}

	var raw struct {
		Token  string          `json:"token"`
		Expiry json.RawMessage `json:"expiry"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	t.Token = raw.Token
	t.Expiry = time.Time{}

	exp := bytes.TrimSpace(raw.Expiry)
	if len(exp) == 0 || string(exp) == "null" {
		return nil
	}
	if exp[0] == '"' {
		var s string
		if err := json.Unmarshal(exp, &s); err != nil {
			return err
		}
		if s == "" {
			return nil
		}
		parsed, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return fmt.Errorf("token expiry: %w", err)
		}
		t.Expiry = parsed
		return nil
	}
	secs, err := strconv.ParseInt(string(exp), 10, 64)
	if err != nil {
		return fmt.Errorf("token expiry: %w", err)
	}
	t.Expiry = time.Unix(secs, 0)
	return nil
}

type LoginResponse struct {
	User         User  `json:"user"`
	AccessToken  Token `json:"accessToken"`
	RefreshToken Token `json:"refreshToken"`
}

// RefreshResponse may omit the refresh token when the server does not
// rotate it.
type RefreshResponse struct {
	AccessToken  Token `json:"accessToken"`
	RefreshToken Token `json:"refreshToken"`
}

// DispatchRequest is one replayable write.
type DispatchRequest struct {
	Kind           string
	Resource       string
	Payload        json.RawMessage
	IdempotencyKey string
}

// Response is a successful API reply.
type Response struct {
	Status int
	Body   json.RawMessage
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Blog is the cached shape of a post.
type Blog struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Summary     string    `json:"summary,omitempty"`
	Content     string    `json:"content,omitempty"`
	URL         string    `json:"url,omitempty"`
	Author      string    `json:"author,omitempty"`
	Categories  []string  `json:"categories,omitempty"`
	PublishedAt time.Time `json:"publishedAt,omitempty"`
}

type Category struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type Tag struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Package domain defines the persistence models shared by the storage
// backends, the mapping manager and the two schedulers. The types carry GORM
// tags for the embedded backend; the pooled backend maps the same columns by
// hand.
package domain

import (
	"time"
)

// RoomKind classifies what a mapped chat room is used for.
type RoomKind string

const (
	RoomKindReviews RoomKind = "reviews"
	RoomKindAdmin   RoomKind = "admin"
	RoomKindGeneral RoomKind = "general"
)

// Valid reports whether k is one of the known room kinds.
func (k RoomKind) Valid() bool {
	switch k {
	case RoomKindReviews, RoomKindAdmin, RoomKindGeneral:
		return true
	}
	return false
}

// MessageKind classifies a bridged chat event.
type MessageKind string

const (
	MessageKindReview       MessageKind = "review"
	MessageKindReply        MessageKind = "reply"
	MessageKindNotification MessageKind = "notification"
)

// Valid reports whether k is one of the known message kinds.
func (k MessageKind) Valid() bool {
	switch k {
	case MessageKindReview, MessageKindReply, MessageKindNotification:
		return true
	}
	return false
}

// SchemaVersion is the singleton row written by the migration runner.
type SchemaVersion struct {
	ID        int       `gorm:"primaryKey"`
	Version   int       `gorm:"not null"`
	AppliedAt time.Time `gorm:"not null"`
}

// TableName returns the database table name for SchemaVersion.
func (SchemaVersion) TableName() string { return "schema_version" }

// UserMapping links one review to the puppet chat identity created for its
// author. There is exactly one mapping per review, not per human author.
//
// Fields:
//   - ID: UUID primary key.
//   - ReviewID: the external review (unique).
//   - ChatUserID: the puppet's chat identity (unique).
//   - LastActiveAt: touched on every bridge activity; drives retention.
type UserMapping struct {
	ID                string    `json:"id"                  gorm:"type:char(36);primaryKey"`
	ReviewID          string    `json:"review_id"           gorm:"not null;uniqueIndex"`
	ChatUserID        string    `json:"chat_user_id"        gorm:"not null;uniqueIndex"`
	AuthorDisplayName string    `json:"author_display_name" gorm:"not null"`
	AppID             string    `json:"app_id"              gorm:"not null;index"`
	CreatedAt         time.Time `json:"created_at"`
	LastActiveAt      time.Time `json:"last_active_at"`
}

// TableName returns the database table name for UserMapping.
func (UserMapping) TableName() string { return "user_mappings" }

// RoomMapping associates an app with a chat room. At most one room per
// (AppID, RoomKind) is primary.
type RoomMapping struct {
	ID             string    `json:"id"               gorm:"type:char(36);primaryKey"`
	AppID          string    `json:"app_id"           gorm:"not null;index"`
	ChatRoomID     string    `json:"chat_room_id"     gorm:"not null;uniqueIndex"`
	AppDisplayName string    `json:"app_display_name" gorm:"not null"`
	RoomKind       RoomKind  `json:"room_kind"        gorm:"not null"`
	IsPrimary      bool      `json:"is_primary"       gorm:"not null"`
	Config         JSONDoc   `json:"config"           gorm:"not null"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// TableName returns the database table name for RoomMapping.
func (RoomMapping) TableName() string { return "room_mappings" }

// MessageMapping is the bidirectional link between an external review and
// a chat event. ChatEventID is unique across all apps.
type MessageMapping struct {
	ID               string      `json:"id"                 gorm:"type:char(36);primaryKey"`
	ExternalReviewID string      `json:"external_review_id" gorm:"not null;index"`
	ChatEventID      string      `json:"chat_event_id"      gorm:"not null;uniqueIndex"`
	ChatRoomID       string      `json:"chat_room_id"       gorm:"not null"`
	Kind             MessageKind `json:"kind"               gorm:"not null"`
	AppID            string      `json:"app_id"             gorm:"not null"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// TableName returns the database table name for MessageMapping.
func (MessageMapping) TableName() string { return "message_mappings" }

// ReviewRecord is the last observed state of an external review.
// LastModifiedAt is the incremental sync watermark.
type ReviewRecord struct {
	ReviewID        string     `json:"review_id"                   gorm:"primaryKey"`
	AppID           string     `json:"app_id"                      gorm:"not null"`
	AuthorName      string     `json:"author_name"                 gorm:"not null"`
	Text            *string    `json:"text,omitempty"`
	StarRating      int        `json:"star_rating"                 gorm:"not null"`
	LanguageCode    *string    `json:"language_code,omitempty"`
	Device          *string    `json:"device,omitempty"`
	OSVersion       *string    `json:"os_version,omitempty"        gorm:"column:os_version"`
	AppVersionCode  *int64     `json:"app_version_code,omitempty"`
	AppVersionName  *string    `json:"app_version_name,omitempty"`
	CreatedAt       time.Time  `json:"created_at"                  gorm:"autoCreateTime:false"`
	LastModifiedAt  time.Time  `json:"last_modified_at"            gorm:"not null"`
	HasReply        bool       `json:"has_reply"                   gorm:"not null"`
	ReplyText       *string    `json:"reply_text,omitempty"`
	ReplyCreatedAt  *time.Time `json:"reply_created_at,omitempty"`
	ReplyModifiedAt *time.Time `json:"reply_modified_at,omitempty"`
}

// TableName returns the database table name for ReviewRecord.
func (ReviewRecord) TableName() string { return "google_play_reviews" }

// ChatMessageRecord is an audit copy of a chat event seen or sent by the
// bridge.
type ChatMessageRecord struct {
	EventID            string    `json:"event_id"             gorm:"primaryKey"`
	RoomID             string    `json:"room_id"              gorm:"not null"`
	SenderID           string    `json:"sender_id"            gorm:"not null"`
	Content            JSONDoc   `json:"content"              gorm:"not null"`
	Timestamp          time.Time `json:"timestamp"            gorm:"not null"`
	IsBridgeOriginated bool      `json:"is_bridge_originated" gorm:"not null"`
}

// TableName returns the database table name for ChatMessageRecord.
func (ChatMessageRecord) TableName() string { return "matrix_messages" }

// AppConfigRecord persists an override of the static per-app configuration.
type AppConfigRecord struct {
	AppID          string    `json:"app_id"          gorm:"primaryKey"`
	ConfigDocument JSONDoc   `json:"config_document" gorm:"not null"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// TableName returns the database table name for AppConfigRecord.
func (AppConfigRecord) TableName() string { return "app_configs" }

// PollState is the persisted progress of an app's review poller. RetryFrom
// holds the LastModifiedAt of the oldest review whose bridging failed and
// is still being retried; nil means nothing is pending.
type PollState struct {
	AppID     string     `json:"app_id"               gorm:"primaryKey"`
	RetryFrom *time.Time `json:"retry_from,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// TableName returns the database table name for PollState.
func (PollState) TableName() string { return "poll_states" }

// MaintenanceLogEntry records one run of a maintenance operation such as
// retention cleanup.
type MaintenanceLogEntry struct {
	ID           int64     `json:"id"            gorm:"primaryKey;autoIncrement"`
	Operation    string    `json:"operation"     gorm:"not null"`
	Details      JSONDoc   `json:"details"       gorm:"not null"`
	RowsAffected int64     `json:"rows_affected" gorm:"not null"`
	CreatedAt    time.Time `json:"created_at"`
}

// TableName returns the database table name for MaintenanceLogEntry.
func (MaintenanceLogEntry) TableName() string { return "maintenance_log" }

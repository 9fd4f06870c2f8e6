// Package presence keeps the bot's Discord status line in sync with how
// many chat sessions it is currently tracking.
package presence

import (
	"context"
	"strconv"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
)

const updateInterval = 5 * time.Minute

// SessionCounter reports the number of live sessions. *session.Registry
// satisfies it.
type SessionCounter interface {
	Len() int
}

// Manager manages the bot's presence.
type Manager struct {
	session  *discordgo.Session
	sessions SessionCounter
	logger   zerolog.Logger
}

func NewManager(s *discordgo.Session, sessions SessionCounter, logger zerolog.Logger) *Manager {
	return &Manager{
		session:  s,
		sessions: sessions,
		logger:   logger.With().Str("component", "presence").Logger(),
	}
}

// Update pushes the current status line once.
func (m *Manager) Update() {
	n := m.sessions.Len()
	data := discordgo.UpdateStatusData{
		Status: "online",
		Activities: []*discordgo.Activity{
			{
				Name:  "!help",
				Type:  discordgo.ActivityTypeListening,
				State: "serving " + strconv.Itoa(n) + " sessions",
			},
		},
	}
	if err := m.session.UpdateStatusComplex(data); err != nil {
		m.logger.Warn().Err(err).Msg("presence update failed")
	}
}

// Run refreshes the presence on a fixed interval until ctx is canceled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(updateInterval)
	defer ticker.Stop()

	m.Update()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Update()
		}
	}
}

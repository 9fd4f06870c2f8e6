package commands

import (
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/aokatsuki/kanade/pkg/meting"
)

// SourceCommand shows or switches the session's music source.
func SourceCommand(s *discordgo.Session, m *discordgo.MessageCreate, args []string) {
	sessionID := m.ChannelID

	if len(args) == 0 {
		current := deps.Sessions.Source(sessionID)
		names := make([]string, 0, len(meting.SourceNames))
		for id, display := range meting.SourceNames {
			names = append(names, fmt.Sprintf("%s (%s)", id, display))
		}
		s.ChannelMessageSend(m.ChannelID, fmt.Sprintf(
			"当前音源: %s\n可用音源: %s", meting.SourceDisplay(current), strings.Join(names, ", ")))
		return
	}

	source := strings.ToLower(args[0])
	if !meting.ValidSource(source) {
		s.ChannelMessageSend(m.ChannelID, fmt.Sprintf("未知音源: %s", source))
		return
	}
	deps.Sessions.SetSource(sessionID, source)
	s.ChannelMessageSend(m.ChannelID, fmt.Sprintf("已切换音源为%s", meting.SourceDisplay(source)))
}

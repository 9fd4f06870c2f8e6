package commands

import (
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/aokatsuki/kanade/pkg/meting"
)

// SearchCommand queries the session's music source for a keyword and
// stores the results for a follow-up play command.
func SearchCommand(s *discordgo.Session, m *discordgo.MessageCreate, args []string) {
	keyword := strings.TrimSpace(strings.Join(args, " "))
	if keyword == "" {
		s.ChannelMessageSend(m.ChannelID, "请输入要搜索的歌曲名称，例如：!search 一期一会")
		return
	}

	sessionID := m.ChannelID
	source := deps.Sessions.Source(sessionID)

	tracks, err := deps.Meting.Search(deps.Ctx, source, keyword)
	if err != nil {
		deps.Logger.Error().Err(err).Str("keyword", keyword).Msg("search failed")
		s.ChannelMessageSend(m.ChannelID, "搜索失败，请稍后重试")
		return
	}
	if len(tracks) == 0 {
		s.ChannelMessageSend(m.ChannelID, fmt.Sprintf("未找到歌曲: %s", keyword))
		return
	}
	if len(tracks) > deps.Config.SearchResultCount {
		tracks = tracks[:deps.Config.SearchResultCount]
	}
	deps.Sessions.SetResults(sessionID, tracks)

	var b strings.Builder
	fmt.Fprintf(&b, "搜索结果（音源: %s）:\n", meting.SourceDisplay(source))
	for i, t := range tracks {
		fmt.Fprintf(&b, "%d. %s - %s\n", i+1, t.Title, t.Artist)
	}
	b.WriteString("\n发送 !play 1 播放第一首歌曲")
	s.ChannelMessageSend(m.ChannelID, b.String())
}

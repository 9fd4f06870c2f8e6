package commands

import (
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
)

// HelpCommand displays all available commands with their descriptions
// using embeds.
func HelpCommand(s *discordgo.Session, m *discordgo.MessageCreate) {
	embed := &discordgo.MessageEmbed{
		Title:       "Kanade",
		Description: "支持多音源搜索和播放，自动分段发送长歌曲",
		Color:       0x00ff00,
		Timestamp:   time.Now().Format(time.RFC3339),
		Fields: []*discordgo.MessageEmbedField{
			{
				Name: "Music Commands",
				Value: strings.Join([]string{
					"• `!search <歌曲名>` - 搜索歌曲",
					"• `!play <序号>` - 播放搜索结果中的歌曲",
					"• `!play <YouTube 链接>` - 播放 YouTube 音频",
					"• `!source` - 查看当前音源",
					"• `!source <netease|tencent|kugou|kuwo>` - 切换音源",
				}, "\n"),
				Inline: false,
			},
			{
				Name:   "Information Commands",
				Value:  "• `!help` - Show this help message",
				Inline: false,
			},
			{
				Name: "Tips",
				Value: strings.Join([]string{
					"• 长歌曲会被分段发送，每段约两分钟",
					"• 同一频道同时只能播放一首歌",
				}, "\n"),
				Inline: false,
			},
		},
	}

	s.ChannelMessageSendEmbed(m.ChannelID, embed)
}

// Package handlers routes Discord gateway events to the command layer.
package handlers

import (
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/aokatsuki/kanade/internal/commands"
)

func MessageHandler(s *discordgo.Session, m *discordgo.MessageCreate) {
	// Ignore all messages created by the bot itself
	if m.Author.ID == s.State.User.ID {
		return
	}

	if !strings.HasPrefix(m.Content, "!") {
		return
	}

	args := strings.Fields(m.Content)
	command := strings.TrimPrefix(args[0], "!")

	switch command {
	case "search", "s":
		commands.SearchCommand(s, m, args[1:])
	case "play", "p":
		commands.PlayCommand(s, m, args[1:])
	case "source":
		commands.SourceCommand(s, m, args[1:])
	case "help", "h":
		commands.HelpCommand(s, m)
	default:
		s.ChannelMessageSend(m.ChannelID, "Unknown command. Try !search, !play, !source, or !help.")
	}
}

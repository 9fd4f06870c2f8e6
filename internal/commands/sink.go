package commands

import (
	"os"
	"path/filepath"

	"github.com/bwmarrin/discordgo"
)

// discordSink adapts a Discord channel to the scheduler's Sink.
type discordSink struct {
	session   *discordgo.Session
	channelID string
}

func newSink(s *discordgo.Session, channelID string) discordSink {
	return discordSink{session: s, channelID: channelID}
}

func (d discordSink) SendText(text string) error {
	_, err := d.session.ChannelMessageSend(d.channelID, text)
	return err
}

func (d discordSink) SendAudioFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = d.session.ChannelFileSend(d.channelID, filepath.Base(path), f)
	return err
}

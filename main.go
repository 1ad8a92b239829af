package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func main() {
	app := cli.App{
		Name:     "flexcore-moderation",
		Usage:    "moderation engine for Discord communities: warnings, bans, mutes, kicks and automatic escalation",
		Commands: moderationCommands(),
	}
	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}

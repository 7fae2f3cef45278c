package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"fedfeeds/pkg/api"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var (
	primaryColor   = lipgloss.Color("#FF79C6") // Pink
	secondaryColor = lipgloss.Color("#8BE9FD") // Cyan
	accentColor    = lipgloss.Color("#50FA7B") // Green
	mutedColor     = lipgloss.Color("#6272A4")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			MarginBottom(1)

	successStyle = lipgloss.NewStyle().
			Foreground(accentColor).
			Bold(true)

	mutedStyle = lipgloss.NewStyle().
			Foreground(mutedColor)

	borderStyle = lipgloss.NewStyle().
			Foreground(secondaryColor)
)

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(borderStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return lipgloss.NewStyle().
					Foreground(lipgloss.Color("#ffffff")).
					Bold(true).
					Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		}).
		Headers(headers...)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printResult(text string, v any) error {
	if output == "json" {
		return printJSON(v)
	}
	fmt.Println(successStyle.Render("✔ " + text))
	return nil
}

func printMessages(user string, msgs []api.Message) error {
	sort.Slice(msgs, func(i, j int) bool {
		return msgs[i].CreationTime < msgs[j].CreationTime
	})
	if output == "json" {
		return printJSON(msgs)
	}

	fmt.Println(titleStyle.Render("📰 Feed of " + user))
	if len(msgs) == 0 {
		fmt.Println(mutedStyle.Render("No messages"))
		return nil
	}

	t := newTable("ID", "AUTHOR", "CREATED", "TEXT")
	for _, m := range msgs {
		created := time.UnixMilli(m.CreationTime).Format(time.DateTime)
		t.Row(strconv.FormatInt(m.ID, 10), m.User, created, m.Text)
	}
	fmt.Println(t.Render())
	return nil
}

func printUsers(users []api.User) error {
	if output == "json" {
		return printJSON(users)
	}
	if len(users) == 0 {
		fmt.Println(mutedStyle.Render("No users"))
		return nil
	}

	t := newTable("ADDRESS", "DISPLAY NAME")
	for _, u := range users {
		t.Row(u.Address(), u.DisplayName)
	}
	fmt.Println(t.Render())
	return nil
}

func printSubs(user string, subs []string) error {
	if output == "json" {
		return printJSON(subs)
	}

	fmt.Println(titleStyle.Render("👥 " + user + " follows"))
	if len(subs) == 0 {
		fmt.Println(mutedStyle.Render("Nobody yet"))
		return nil
	}

	t := newTable("USER")
	for _, s := range subs {
		t.Row(s)
	}
	fmt.Println(t.Render())
	return nil
}

func printServices(services map[string][]string) error {
	if output == "json" {
		return printJSON(services)
	}

	fmt.Println(titleStyle.Render("📡 Announced services"))
	if len(services) == 0 {
		fmt.Println(mutedStyle.Render("No announcements heard"))
		return nil
	}

	keys := make([]string, 0, len(services))
	for k := range services {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	t := newTable("SERVICE", "URI")
	for _, k := range keys {
		for _, uri := range services[k] {
			t.Row(k, uri)
		}
	}
	fmt.Println(t.Render())
	return nil
}

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/pzhenzhou/respgo/pkg/cluster"
	"github.com/pzhenzhou/respgo/pkg/common"
	"github.com/pzhenzhou/respgo/pkg/respio"
	"github.com/pzhenzhou/respgo/pkg/session"
	"github.com/samber/lo"
)

type ExecCmd struct {
	Conn    common.ConnConfig `embed:""`
	Repeat  int               `help:"Pipeline the command this many times" default:"1"`
	Command []string          `arg:"" help:"Command name followed by its arguments"`
}

func (e *ExecCmd) Run(app *App) error {
	if e.Repeat < 1 {
		return fmt.Errorf("invalid repeat: %d", e.Repeat)
	}
	if err := app.startWeb(nil); err != nil {
		return err
	}
	s, err := session.New(&e.Conn, session.WithMetrics(app.collector))
	if err != nil {
		return err
	}
	defer s.Close()

	args := respio.StringArgs(e.Command[1:]...)
	for i := 0; i < e.Repeat; i++ {
		if err := s.Send(e.Command[0], args, nil); err != nil {
			return err
		}
	}
	for i := 0; i < e.Repeat; i++ {
		reply, err := s.ReceiveNext()
		if err != nil {
			var remote *session.RemoteError
			if errors.As(err, &remote) {
				fmt.Println("(error) " + remote.Message)
				continue
			}
			return err
		}
		fmt.Println(reply.String())
	}
	return nil
}

type ClusterCmd struct {
	Cluster   common.ClusterConfig `embed:""`
	ShowSlots bool                 `help:"Print the loaded slot table as JSON before running the command" name:"show-slots"`
	Command   []string             `arg:"" optional:"" help:"Command name followed by its arguments"`
}

func (c *ClusterCmd) Run(app *App) error {
	router, err := cluster.NewRouter(&c.Cluster, cluster.WithMetrics(app.collector))
	if err != nil {
		return err
	}
	defer router.Close()
	if err := app.startWeb(router); err != nil {
		return err
	}
	if c.ShowSlots {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(router.Topology()); err != nil {
			return err
		}
	}
	if len(c.Command) == 0 {
		return nil
	}
	reply, err := router.Execute(c.Command[0], respio.StringArgs(c.Command[1:]...)...)
	if err != nil {
		return err
	}
	fmt.Println(reply.String())
	return nil
}

type SubscribeCmd struct {
	Conn     common.ConnConfig `embed:""`
	Pattern  bool              `help:"Treat the arguments as glob patterns (PSUBSCRIBE)" name:"pattern"`
	Channels []string          `arg:"" help:"Channels or patterns to subscribe to"`
}

func (c *SubscribeCmd) Run(app *App) error {
	if err := app.startWeb(nil); err != nil {
		return err
	}
	s, err := session.New(&c.Conn, session.WithMetrics(app.collector))
	if err != nil {
		return err
	}
	defer s.Close()

	printer := func(_ *session.Session, msg *session.Message) {
		fmt.Println(msg.String())
	}
	targets := lo.Uniq(c.Channels)
	if c.Pattern {
		err = s.PSubscribe(printer, targets...)
	} else {
		err = s.Subscribe(printer, targets...)
	}
	if err != nil {
		return err
	}
	logger.Info("subscribed", "channels", s.Channels(), "patterns", s.Patterns())
	return s.SubscriptionLoop()
}

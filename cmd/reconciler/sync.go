package main

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"
)

var networkFlag = &cli.Uint64Flag{
	Name:     "network",
	Usage:    "Chain id of the network",
	Required: true,
}

var discoverCMD = &cli.Command{
	Name:  "discover",
	Usage: "Find a DAO's creation event and optionally register it",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "address",
			Usage:    "DAO contract address",
			Required: true,
		},
		networkFlag,
		&cli.BoolFlag{
			Name:  "register",
			Usage: "Store the DAO and its contracts",
		},
		&cli.StringFlag{
			Name:  "owner",
			Usage: "Owner address of the registered DAO, defaults to the creator",
		},
	},
	Action: discover,
}

var syncCMD = &cli.Command{
	Name:  "sync",
	Usage: "Run one engine operation in the foreground",
	Subcommands: []*cli.Command{
		{
			Name:   "proposals",
			Usage:  "Reconcile on-chain proposals of a DAO with its drafts",
			Flags:  []cli.Flag{&cli.UintFlag{Name: "dao", Required: true}},
			Action: syncProposals,
		},
		{
			Name:   "votes",
			Usage:  "Ingest vote events of a proposal",
			Flags:  []cli.Flag{&cli.UintFlag{Name: "dip", Required: true}},
			Action: syncVotes,
		},
		{
			Name:   "status",
			Usage:  "Evaluate the status of an active proposal",
			Flags:  []cli.Flag{&cli.UintFlag{Name: "dip", Required: true}},
			Action: syncStatus,
		},
		{
			Name:   "presale",
			Usage:  "Refresh a presale, or every active presale without --presale",
			Flags:  []cli.Flag{&cli.UintFlag{Name: "presale"}},
			Action: syncPresale,
		},
		{
			Name:   "treasury",
			Usage:  "Refresh treasury balances of a DAO, or of every active DAO without --dao",
			Flags:  []cli.Flag{&cli.UintFlag{Name: "dao"}},
			Action: syncTreasury,
		},
		{
			Name:  "stake",
			Usage: "Mirror the stake of a user",
			Flags: []cli.Flag{
				&cli.UintFlag{Name: "dao", Required: true},
				&cli.StringFlag{Name: "user", Required: true},
			},
			Action: syncStake,
		},
	},
}

var cleanupCMD = &cli.Command{
	Name:  "cleanup",
	Usage: "Delete drafts that were never submitted on chain",
	Flags: []cli.Flag{
		&cli.DurationFlag{
			Name:  "ttl",
			Usage: "Minimum draft age, defaults to scheduler.draft_ttl",
		},
	},
	Action: cleanup,
}

func discover(ctx *cli.Context) error {
	a, err := newApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	address, network := ctx.String("address"), ctx.Uint64("network")
	if ctx.Bool("register") {
		dao, err := a.engine.RegisterDao(ctx.Context, ctx.String("owner"), address, network)
		if err != nil {
			return err
		}
		fmt.Printf("registered dao %d: %s (%s) version %s\n", dao.ID, dao.DaoName, dao.Symbol, dao.Version)
		return nil
	}

	data, err := a.engine.Discover(ctx.Context, address, network)
	if err != nil {
		return err
	}
	fmt.Printf("dao:          %s\n", data.DaoAddress.Hex())
	fmt.Printf("name:         %s\n", data.DaoName)
	fmt.Printf("version:      %s\n", data.Version)
	fmt.Printf("creator:      %s\n", data.Sender.Hex())
	fmt.Printf("token:        %s %s (%s) supply %s\n", data.TokenAddress.Hex(), data.TokenName, data.Symbol, data.TotalSupply)
	fmt.Printf("treasury:     %s\n", data.TreasuryAddress.Hex())
	fmt.Printf("staking:      %s\n", data.StakingAddress.Hex())
	fmt.Printf("created at:   block %d\n", data.BlockNumber)
	return nil
}

func syncProposals(ctx *cli.Context) error {
	a, err := newApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	dips, err := a.engine.SyncProposals(ctx.Context, ctx.Uint("dao"))
	if err != nil {
		return err
	}
	for _, d := range dips {
		fmt.Printf("dip %d: proposal %d %q\n", d.ID, *d.ProposalID, d.Title)
	}
	fmt.Printf("%d proposals reconciled\n", len(dips))
	return nil
}

func syncVotes(ctx *cli.Context) error {
	a, err := newApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	votes, err := a.engine.SyncVotes(ctx.Context, ctx.Uint("dip"))
	if err != nil {
		return err
	}
	fmt.Printf("%d votes on chain\n", len(votes))
	return nil
}

func syncStatus(ctx *cli.Context) error {
	a, err := newApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	outcome, err := a.engine.SyncDipStatus(ctx.Context, ctx.Uint("dip"))
	if err != nil {
		return err
	}
	fmt.Printf("outcome: %s\n", outcome)
	return nil
}

func syncPresale(ctx *cli.Context) error {
	a, err := newApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	var presaleID *uint
	if ctx.IsSet("presale") {
		id := ctx.Uint("presale")
		presaleID = &id
	}
	return a.engine.UpdatePresaleState(ctx.Context, presaleID)
}

func syncTreasury(ctx *cli.Context) error {
	a, err := newApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	var ids []uint
	if ctx.IsSet("dao") {
		ids = append(ids, ctx.Uint("dao"))
	} else {
		daos, err := a.engine.ActiveDaos(ctx.Context)
		if err != nil {
			return err
		}
		for _, d := range daos {
			ids = append(ids, d.ID)
		}
	}

	for _, id := range ids {
		balances, err := a.engine.RefreshTreasury(ctx.Context, id)
		if err != nil {
			return err
		}
		fmt.Printf("dao %d: %v\n", id, balances)
	}
	return nil
}

func syncStake(ctx *cli.Context) error {
	a, err := newApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	stake, err := a.engine.SyncStake(ctx.Context, ctx.Uint("dao"), ctx.String("user"))
	if err != nil {
		return err
	}
	fmt.Printf("staked %s, voting power %s\n", stake.Amount, stake.VotingPower)
	return nil
}

func cleanup(ctx *cli.Context) error {
	a, err := newApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	ttl := a.repo.Config.Scheduler.DraftTTL
	if ctx.IsSet("ttl") {
		ttl = ctx.Duration("ttl")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	n, err := a.engine.CleanupDrafts(ctx.Context, ttl)
	if err != nil {
		return err
	}
	fmt.Printf("deleted %d drafts\n", n)
	return nil
}

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Klingon-tech/escrowd/internal/offer"
	"github.com/Klingon-tech/escrowd/internal/storage"
)

var (
	offersStatus []string
	offersParty  string
	archiveLimit int
)

func newOffersCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "offers",
		Short: "Inspect offers",
		Long:  `List active and archived offers or show one offer document.`,
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List active offers",
		RunE:  runOffersList,
	}
	list.Flags().StringSliceVar(&offersStatus, "status", nil, "Only offers in these statuses")
	list.Flags().StringVar(&offersParty, "party", "", "Only offers where this identity is a party")

	archived := &cobra.Command{
		Use:   "archived",
		Short: "List archived offers, newest first",
		RunE:  runOffersArchived,
	}
	archived.Flags().IntVarP(&archiveLimit, "limit", "n", 20, "Number of offers to show")

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Print an offer document",
		Args:  cobra.ExactArgs(1),
		RunE:  runOffersShow,
	}

	cmd.AddCommand(list, archived, show)
	return cmd
}

func runOffersList(cmd *cobra.Command, args []string) error {
	store, err := openStorage()
	if err != nil {
		return err
	}
	defer store.Close()

	var offers []*offer.EscrowOffer
	if offersParty != "" {
		offers, err = store.ListOffersForParty(offersParty)
	} else {
		statuses := make([]offer.Status, len(offersStatus))
		for i, st := range offersStatus {
			statuses[i] = offer.Status(st)
		}
		offers, err = store.ListOffersByStatus(statuses...)
	}
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tTYPE\tESCROW\tINIT\tCOUNTER\tPENDING\tCREATED")
	for _, o := range offers {
		pending := "-"
		if o.PendingInputFrom != nil {
			pending = *o.PendingInputFrom
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s %s\t%s\t%s\t%s\t%s\n",
			o.ID, o.Status, o.Type, o.EscrowAmount(), o.EscrowAsset(),
			o.Init.ID, o.Counter.ID, pending, o.Time.Format(time.DateTime))
	}
	return w.Flush()
}

func runOffersArchived(cmd *cobra.Command, args []string) error {
	store, err := openStorage()
	if err != nil {
		return err
	}
	defer store.Close()

	archived, err := store.ListArchivedOffers(archiveLimit, 0)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tESCROW\tINIT\tCOUNTER\tARCHIVED")
	for _, a := range archived {
		o := a.Offer
		fmt.Fprintf(w, "%s\t%s\t%s %s\t%s\t%s\t%s\n",
			o.ID, a.Status, o.EscrowAmount(), o.EscrowAsset(),
			o.Init.ID, o.Counter.ID, a.ArchivedAt.Format(time.DateTime))
	}
	return w.Flush()
}

func runOffersShow(cmd *cobra.Command, args []string) error {
	store, err := openStorage()
	if err != nil {
		return err
	}
	defer store.Close()

	var doc interface{}
	o, err := store.FindOffer(args[0])
	switch {
	case err == nil:
		doc = o
	case errors.Is(err, storage.ErrOfferNotFound):
		a, err := store.GetArchivedOffer(args[0])
		if err != nil {
			return err
		}
		doc = a
	default:
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/DominicWuest/cilocal/pkg/cilocal"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"
)

var cleanupContainers bool
var cleanupAgree bool
var cleanupRun string

var cleanupCmd = &cobra.Command{
	Use:     "clean",
	Aliases: []string{"prune", "cleanup"},
	Short:   "Clean all docker artifacts created by cilocal",
	Long: `This command cleans all docker artifacts created by cilocal.
This includes job containers and post-mortem shells, both running and stopped, as well as all job images built.
Job images are otherwise kept between runs to speed up rebuilds.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		log := newLogger()
		ctx := context.Background()

		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			log.Errorf("Couldn't create docker client - %v", err)
			os.Exit(cilocal.ExitConfig)
		}
		defer cli.Close()

		label := cilocal.DriverName + "=1"
		if cleanupRun != "" {
			label = cilocal.DriverName + ".run=" + cleanupRun
		}
		labelFilter := filters.NewArgs(
			filters.KeyValuePair{
				Key:   "label",
				Value: label,
			},
		)

		containers, err := cli.ContainerList(ctx, container.ListOptions{
			All:     true,
			Filters: labelFilter,
		})
		if err != nil {
			log.Fatalf("Couldn't list docker containers - %v", err)
		}

		var images []image.Summary
		if !cleanupContainers {
			images, err = cli.ImageList(ctx, image.ListOptions{
				All:     true,
				Filters: labelFilter,
			})
			if err != nil {
				log.Fatalf("Couldn't list docker images - %v", err)
			}
		}

		if len(containers)+len(images) == 0 {
			imageString := " or images"
			if cleanupContainers {
				imageString = ""
			}
			fmt.Printf("No containers%s to remove.\n", imageString)
			return
		}

		confirmationMessage := fmt.Sprintf("About to delete %d containers", len(containers))
		if !cleanupContainers {
			confirmationMessage += fmt.Sprintf(" and %d images", len(images))
		}
		fmt.Println(confirmationMessage + ".")

		prompt := promptui.Prompt{
			Label:     "Proceed",
			IsConfirm: true,
		}

		if !cleanupAgree {
			if _, err := prompt.Run(); err != nil {
				fmt.Println("Exiting...")
				return
			}
		}

		for _, c := range containers {
			log.Infof("Deleting container %s (ID: %s)", containerName(c), c.ID)
			if err := cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
				log.Fatalf("Failed to remove container with ID %s - %v", c.ID, err)
			}
		}

		for _, i := range images {
			log.Infof("Deleting image %s (ID: %s)", imageName(i), i.ID)
			if _, err := cli.ImageRemove(ctx, i.ID, image.RemoveOptions{
				PruneChildren: true,
				Force:         true,
			}); err != nil && !client.IsErrNotFound(err) {
				log.Fatalf("Failed to remove image with ID %s - %v", i.ID, err)
			}
		}

		fmt.Println("Done cleaning up.")
	},
}

func containerName(c types.Container) string {
	if len(c.Names) == 0 {
		return "<unnamed>"
	}
	return c.Names[0][1:]
}

func imageName(i image.Summary) string {
	if len(i.RepoTags) == 0 {
		return "<untagged>"
	}
	return i.RepoTags[0]
}

func init() {
	rootCmd.AddCommand(cleanupCmd)

	cleanupCmd.Flags().BoolVarP(&cleanupContainers, "containers", "c", false, "Only delete containers, no images.")
	cleanupCmd.Flags().StringVarP(&cleanupRun, "run", "r", "", "Only delete artifacts of the run with this id.")
	cleanupCmd.Flags().BoolVarP(&cleanupAgree, "assume-yes", "y", false, `Bypass "Are you sure?" message.`)
}

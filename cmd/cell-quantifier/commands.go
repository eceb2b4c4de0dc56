package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"cell-quantifier/internal/classify"
	"cell-quantifier/internal/project"
)

func statusCommand(args []string) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	env, err := setup(fs, args)
	if err != nil {
		return err
	}

	return printStatus(os.Stdout, env.proj)
}

func printStatus(out io.Writer, proj *project.Project) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "IMAGE\tSIZE\tSTATUS\tROIS\tOUTLINES")
	for _, img := range proj.Images() {
		rois := "-"
		if proj.HasROI(img) {
			rois = fmt.Sprint(len(img.ROIs))
		}
		outlines := "no"
		if proj.HasOutlines(img) {
			outlines = "yes"
		}
		size := "-"
		if img.Width > 0 && img.Height > 0 {
			size = fmt.Sprintf("%dx%d", img.Width, img.Height)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", img.Filename, size, img.Status(), rois, outlines)
	}
	return w.Flush()
}

func importCommand(args []string) error {
	fs := flag.NewFlagSet("import", flag.ContinueOnError)
	env, err := setup(fs, args)
	if err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("import: no files given")
	}

	imported, skipped, err := env.proj.Import(fs.Args())
	for _, name := range imported {
		fmt.Printf("imported %s\n", name)
	}
	for _, name := range skipped {
		fmt.Printf("skipped %s\n", name)
	}
	return err
}

func modelsCommand(args []string) error {
	fs := flag.NewFlagSet("models", flag.ContinueOnError)
	env, err := setup(fs, args)
	if err != nil {
		return err
	}

	projects, err := classify.DiscoverProjects(env.cfg.ModelsDir)
	if err != nil {
		return err
	}
	if len(projects) == 0 {
		fmt.Printf("no %s projects in %s\n", classify.ProjectExt, env.cfg.ModelsDir)
		return nil
	}
	for _, name := range classify.ProjectNames(projects) {
		marker := " "
		if name == env.cfg.PixelClassifier || name == env.cfg.ObjectClassifier {
			marker = "*"
		}
		fmt.Printf("%s %s\t%s\n", marker, name, projects[name])
	}
	return nil
}

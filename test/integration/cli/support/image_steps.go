package support

import (
	"fmt"
	"image"
	"os"

	"github.com/MeKo-Tech/tally/internal/testutil"
	"github.com/MeKo-Tech/tally/internal/vision"
	"github.com/cucumber/godog"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
)

// RegisterImageSteps registers steps that create input files.
func (testCtx *TestContext) RegisterImageSteps(sc *godog.ScenarioContext) {
	sc.Step(`^a tally sheet image "([^"]*)"$`, testCtx.aTallySheetImage)
	sc.Step(`^a panorama image "([^"]*)"$`, testCtx.aPanoramaImage)
	sc.Step(`^a text file "([^"]*)"$`, testCtx.aTextFile)
	sc.Step(`^a PDF "([^"]*)" with (\d+) tally sheets?$`, testCtx.aPDFWithTallySheets)
}

func (testCtx *TestContext) writeImage(name string, img image.Image) error {
	data, err := vision.EncodePNG(img)
	if err != nil {
		return err
	}
	return os.WriteFile(testCtx.Path(name), data, 0o600)
}

func (testCtx *TestContext) aTallySheetImage(name string) error {
	return testCtx.writeImage(name, testutil.GenerateTallySheet(testutil.DefaultSheetConfig()))
}

func (testCtx *TestContext) aPanoramaImage(name string) error {
	return testCtx.writeImage(name, testutil.CreateTextPage(1600, 300, "PANORAMA"))
}

func (testCtx *TestContext) aTextFile(name string) error {
	return os.WriteFile(testCtx.Path(name), []byte("not an image\n"), 0o600)
}

func (testCtx *TestContext) aPDFWithTallySheets(name string, n int) error {
	var pages []string
	for i := range n {
		page := fmt.Sprintf(".page-%d.png", i+1)
		if err := testCtx.aTallySheetImage(page); err != nil {
			return err
		}
		pages = append(pages, testCtx.Path(page))
	}
	if err := api.ImportImagesFile(pages, testCtx.Path(name), pdfcpu.DefaultImportConfig(), nil); err != nil {
		return fmt.Errorf("build %s: %w", name, err)
	}
	return nil
}

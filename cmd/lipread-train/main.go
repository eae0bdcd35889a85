// Command lipread-train trains a lipreading model on a
// directory of preprocessed video samples.
package main

import (
	"flag"
	"log"
	"math"
	"math/rand"
	"os"
	"time"

	"github.com/unixpickle/anynet/anysgd"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvec32"
	"github.com/unixpickle/anyvec/anyvec64"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/lipread"
	"github.com/unixpickle/lipread/lipdata"
	"github.com/unixpickle/lipread/liptrain"
	"github.com/unixpickle/serializer"
)

func main() {
	var dataDir string
	var labelsPath string
	var outPath string

	var sentence bool
	var threshold float64
	var trainSplit float64

	var epochs int
	var batchSize int
	var stepSize float64
	var forcing float64
	var ctcWeight float64
	var gradCeiling float64
	var workers int
	var seed int64

	var cellKind string
	var attnKind string
	var layers int
	var frameDim int
	var hiddenSize int
	var charSize int
	var bidir bool
	var dropout float64
	var precision int

	flag.StringVar(&dataDir, "data", "", "sample directory")
	flag.StringVar(&labelsPath, "labels", "labels.json", "character list file")
	flag.StringVar(&outPath, "out", "lipread_model", "model output file")
	flag.BoolVar(&sentence, "sentence", false, "one whole-caption sample per video")
	flag.Float64Var(&threshold, "threshold", 0.8, "minimum frame visibility")
	flag.Float64Var(&trainSplit, "split", 0.8, "training partition fraction")
	flag.IntVar(&epochs, "epochs", 50, "number of epochs")
	flag.IntVar(&batchSize, "batch", 4, "mini-batch size")
	flag.Float64Var(&stepSize, "step", 0.01, "learning rate")
	flag.Float64Var(&forcing, "forcing", 1, "teacher forcing probability")
	flag.Float64Var(&ctcWeight, "ctc", 0, "auxiliary CTC cost weight (0 disables)")
	flag.Float64Var(&gradCeiling, "clip", 50, "gradient norm ceiling")
	flag.IntVar(&workers, "workers", 1, "concurrent batch loaders")
	flag.Int64Var(&seed, "seed", 123456, "random seed")
	flag.StringVar(&cellKind, "cell", "lstm", "recurrent cell: rnn, gru or lstm")
	flag.StringVar(&attnKind, "attention", "concat", "attention kind: concat or dot")
	flag.IntVar(&layers, "layers", 1, "recurrent layers")
	flag.IntVar(&frameDim, "framedim", 204, "frame feature size")
	flag.IntVar(&hiddenSize, "hidden", 700, "hidden size")
	flag.IntVar(&charSize, "chardim", 300, "character embedding size")
	flag.BoolVar(&bidir, "bidir", false, "bidirectional encoder")
	flag.Float64Var(&dropout, "dropout", 0, "dropout between layers")
	flag.IntVar(&precision, "prec", 64, "numeric precision: 32 or 64")
	flag.Parse()

	if dataDir == "" {
		essentials.Die("missing -data flag (see -help)")
	}

	logger := log.New(os.Stderr, "", log.LstdFlags)

	rand.Seed(seed)
	rng := rand.New(rand.NewSource(seed))
	var creator anyvec.Creator
	switch precision {
	case 32:
		creator = anyvec32.CurrentCreator()
	case 64:
		creator = anyvec64.CurrentCreator()
	default:
		essentials.Die("unsupported -prec value:", precision)
	}
	if ctcWeight > 0 && precision != 64 {
		essentials.Die("-ctc requires -prec 64")
	}

	vocab, err := lipdata.LoadVocab(labelsPath)
	if err != nil {
		logger.Println("using default character list:", err)
		vocab = lipdata.DefaultVocab()
	}

	videos, err := lipdata.ListVideos(dataDir)
	if err != nil {
		essentials.Die(err)
	}
	trainVids, valVids, testVids, err := lipdata.SplitVideos(videos, trainSplit, rng)
	if err != nil {
		essentials.Die(err)
	}
	cfg := lipdata.Config{Sentence: sentence, Threshold: threshold}
	trainSamples, err := lipdata.LoadSamples(trainVids, cfg)
	if err != nil {
		essentials.Die(err)
	}
	valSamples, err := lipdata.LoadSamples(valVids, cfg)
	if err != nil {
		essentials.Die(err)
	}
	testSamples, err := lipdata.LoadSamples(testVids, cfg)
	if err != nil {
		essentials.Die(err)
	}
	logger.Printf("loaded %d train, %d validation, %d test samples",
		trainSamples.Len(), valSamples.Len(), testSamples.Len())

	var enc *lipread.Encoder
	var dec *lipread.DecodingStep
	if err := serializer.LoadAny(outPath, &enc, &dec); err == nil {
		logger.Println("resuming from", outPath)
	} else {
		logger.Println("creating a new model")
		ctcClasses := 0
		if ctcWeight > 0 {
			ctcClasses = vocab.Size() - 1
		}
		enc, err = lipread.NewEncoder(creator, lipread.EncoderConfig{
			FrameDim:      frameDim,
			HiddenSize:    hiddenSize,
			Cell:          lipread.CellKind(cellKind),
			NumLayers:     layers,
			Bidirectional: bidir,
			Dropout:       dropout,
			CTCClasses:    ctcClasses,
		})
		if err != nil {
			essentials.Die(err)
		}
		dec, err = lipread.NewDecodingStep(creator, enc, vocab.Size(), charSize,
			lipread.AttentionKind(attnKind))
		if err != nil {
			essentials.Die(err)
		}
	}

	trainer := &liptrain.Trainer{
		Creator:        creator,
		Encoder:        enc,
		Decoder:        dec,
		Params:         append(enc.Parameters(), dec.Parameters()...),
		TeacherForcing: forcing,
		CTCWeight:      ctcWeight,
		Rand:           rng,
	}
	fetcher := &lipdata.Fetcher{
		Creator:  creator,
		Vocab:    vocab,
		FrameDim: frameDim,
	}
	loop := &liptrain.Loop{
		Trainer: trainer,
		Fetcher: fetcher,
		Samples: &lipdata.BatchedSampleList{
			SampleList: trainSamples,
			ChunkSize:  4 * batchSize,
		},
		BatchSize:   batchSize,
		Rate:        stepSize,
		GradCeiling: gradCeiling,
		Workers:     workers,
		Transformer: &anysgd.Adam{},
	}

	bestValCER := 1.0
	bestTestCER := 1.0
	bestCost := math.Inf(1)
	bestCTCCost := math.Inf(1)
	bestEpoch := -1
	start := time.Now()
	for epoch := 0; epoch < epochs; epoch++ {
		epochStart := time.Now()
		val, err := trainer.Evaluate(fetcher, valSamples, batchSize)
		if err != nil {
			essentials.Die(err)
		}
		logger.Printf("epoch %d: validation: cost=%f cer=%f", epoch, val.Cost, val.CER)
		if val.CER < bestValCER {
			bestValCER = val.CER
			bestEpoch = epoch
		}

		stats, err := loop.Epoch()
		if err != nil {
			essentials.Die(err)
		}
		if ctcWeight > 0 {
			logger.Printf("epoch %d: train: cost=%f ctc=%f", epoch, stats.Cost,
				stats.CTCCost)
		} else {
			logger.Printf("epoch %d: train: cost=%f", epoch, stats.Cost)
		}
		if stats.Cost < bestCost {
			bestCost = stats.Cost
		}
		if stats.CTCCost < bestCTCCost {
			bestCTCCost = stats.CTCCost
		}

		test, err := trainer.Evaluate(fetcher, testSamples, batchSize)
		if err != nil {
			essentials.Die(err)
		}
		logger.Printf("epoch %d: test: cost=%f cer=%f", epoch, test.Cost, test.CER)
		if test.CER < bestTestCER {
			bestTestCER = test.CER
		}

		if err := serializer.SaveAny(outPath, enc, dec); err != nil {
			essentials.Die(err)
		}
		logger.Printf("epoch %d: took %v", epoch, time.Since(epochStart))
	}
	logger.Printf("done in %v: best validation cer=%f at epoch %d",
		time.Since(start), bestValCER, bestEpoch)
	logger.Printf("best test cer=%f; best train cost=%f", bestTestCER, bestCost)
	if ctcWeight > 0 {
		logger.Printf("best ctc cost=%f", bestCTCCost)
	}
}

// +build amd64

package gate

// gateStubs lists the 256 generated low-level interrupt entry points
// implemented in gate_amd64.s, indexed by vector number. installIDT reads
// their addresses out of this array via funcPC to build the IDT; none of
// them are ever called directly from Go.
var gateStubs = [256]func(){
	gateStub0,
	gateStub1,
	gateStub2,
	gateStub3,
	gateStub4,
	gateStub5,
	gateStub6,
	gateStub7,
	gateStub8,
	gateStub9,
	gateStub10,
	gateStub11,
	gateStub12,
	gateStub13,
	gateStub14,
	gateStub15,
	gateStub16,
	gateStub17,
	gateStub18,
	gateStub19,
	gateStub20,
	gateStub21,
	gateStub22,
	gateStub23,
	gateStub24,
	gateStub25,
	gateStub26,
	gateStub27,
	gateStub28,
	gateStub29,
	gateStub30,
	gateStub31,
	gateStub32,
	gateStub33,
	gateStub34,
	gateStub35,
	gateStub36,
	gateStub37,
	gateStub38,
	gateStub39,
	gateStub40,
	gateStub41,
	gateStub42,
	gateStub43,
	gateStub44,
	gateStub45,
	gateStub46,
	gateStub47,
	gateStub48,
	gateStub49,
	gateStub50,
	gateStub51,
	gateStub52,
	gateStub53,
	gateStub54,
	gateStub55,
	gateStub56,
	gateStub57,
	gateStub58,
	gateStub59,
	gateStub60,
	gateStub61,
	gateStub62,
	gateStub63,
	gateStub64,
	gateStub65,
	gateStub66,
	gateStub67,
	gateStub68,
	gateStub69,
	gateStub70,
	gateStub71,
	gateStub72,
	gateStub73,
	gateStub74,
	gateStub75,
	gateStub76,
	gateStub77,
	gateStub78,
	gateStub79,
	gateStub80,
	gateStub81,
	gateStub82,
	gateStub83,
	gateStub84,
	gateStub85,
	gateStub86,
	gateStub87,
	gateStub88,
	gateStub89,
	gateStub90,
	gateStub91,
	gateStub92,
	gateStub93,
	gateStub94,
	gateStub95,
	gateStub96,
	gateStub97,
	gateStub98,
	gateStub99,
	gateStub100,
	gateStub101,
	gateStub102,
	gateStub103,
	gateStub104,
	gateStub105,
	gateStub106,
	gateStub107,
	gateStub108,
	gateStub109,
	gateStub110,
	gateStub111,
	gateStub112,
	gateStub113,
	gateStub114,
	gateStub115,
	gateStub116,
	gateStub117,
	gateStub118,
	gateStub119,
	gateStub120,
	gateStub121,
	gateStub122,
	gateStub123,
	gateStub124,
	gateStub125,
	gateStub126,
	gateStub127,
	gateStub128,
	gateStub129,
	gateStub130,
	gateStub131,
	gateStub132,
	gateStub133,
	gateStub134,
	gateStub135,
	gateStub136,
	gateStub137,
	gateStub138,
	gateStub139,
	gateStub140,
	gateStub141,
	gateStub142,
	gateStub143,
	gateStub144,
	gateStub145,
	gateStub146,
	gateStub147,
	gateStub148,
	gateStub149,
	gateStub150,
	gateStub151,
	gateStub152,
	gateStub153,
	gateStub154,
	gateStub155,
	gateStub156,
	gateStub157,
	gateStub158,
	gateStub159,
	gateStub160,
	gateStub161,
	gateStub162,
	gateStub163,
	gateStub164,
	gateStub165,
	gateStub166,
	gateStub167,
	gateStub168,
	gateStub169,
	gateStub170,
	gateStub171,
	gateStub172,
	gateStub173,
	gateStub174,
	gateStub175,
	gateStub176,
	gateStub177,
	gateStub178,
	gateStub179,
	gateStub180,
	gateStub181,
	gateStub182,
	gateStub183,
	gateStub184,
	gateStub185,
	gateStub186,
	gateStub187,
	gateStub188,
	gateStub189,
	gateStub190,
	gateStub191,
	gateStub192,
	gateStub193,
	gateStub194,
	gateStub195,
	gateStub196,
	gateStub197,
	gateStub198,
	gateStub199,
	gateStub200,
	gateStub201,
	gateStub202,
	gateStub203,
	gateStub204,
	gateStub205,
	gateStub206,
	gateStub207,
	gateStub208,
	gateStub209,
	gateStub210,
	gateStub211,
	gateStub212,
	gateStub213,
	gateStub214,
	gateStub215,
	gateStub216,
	gateStub217,
	gateStub218,
	gateStub219,
	gateStub220,
	gateStub221,
	gateStub222,
	gateStub223,
	gateStub224,
	gateStub225,
	gateStub226,
	gateStub227,
	gateStub228,
	gateStub229,
	gateStub230,
	gateStub231,
	gateStub232,
	gateStub233,
	gateStub234,
	gateStub235,
	gateStub236,
	gateStub237,
	gateStub238,
	gateStub239,
	gateStub240,
	gateStub241,
	gateStub242,
	gateStub243,
	gateStub244,
	gateStub245,
	gateStub246,
	gateStub247,
	gateStub248,
	gateStub249,
	gateStub250,
	gateStub251,
	gateStub252,
	gateStub253,
	gateStub254,
	gateStub255,
}

func gateStub0()
func gateStub1()
func gateStub2()
func gateStub3()
func gateStub4()
func gateStub5()
func gateStub6()
func gateStub7()
func gateStub8()
func gateStub9()
func gateStub10()
func gateStub11()
func gateStub12()
func gateStub13()
func gateStub14()
func gateStub15()
func gateStub16()
func gateStub17()
func gateStub18()
func gateStub19()
func gateStub20()
func gateStub21()
func gateStub22()
func gateStub23()
func gateStub24()
func gateStub25()
func gateStub26()
func gateStub27()
func gateStub28()
func gateStub29()
func gateStub30()
func gateStub31()
func gateStub32()
func gateStub33()
func gateStub34()
func gateStub35()
func gateStub36()
func gateStub37()
func gateStub38()
func gateStub39()
func gateStub40()
func gateStub41()
func gateStub42()
func gateStub43()
func gateStub44()
func gateStub45()
func gateStub46()
func gateStub47()
func gateStub48()
func gateStub49()
func gateStub50()
func gateStub51()
func gateStub52()
func gateStub53()
func gateStub54()
func gateStub55()
func gateStub56()
func gateStub57()
func gateStub58()
func gateStub59()
func gateStub60()
func gateStub61()
func gateStub62()
func gateStub63()
func gateStub64()
func gateStub65()
func gateStub66()
func gateStub67()
func gateStub68()
func gateStub69()
func gateStub70()
func gateStub71()
func gateStub72()
func gateStub73()
func gateStub74()
func gateStub75()
func gateStub76()
func gateStub77()
func gateStub78()
func gateStub79()
func gateStub80()
func gateStub81()
func gateStub82()
func gateStub83()
func gateStub84()
func gateStub85()
func gateStub86()
func gateStub87()
func gateStub88()
func gateStub89()
func gateStub90()
func gateStub91()
func gateStub92()
func gateStub93()
func gateStub94()
func gateStub95()
func gateStub96()
func gateStub97()
func gateStub98()
func gateStub99()
func gateStub100()
func gateStub101()
func gateStub102()
func gateStub103()
func gateStub104()
func gateStub105()
func gateStub106()
func gateStub107()
func gateStub108()
func gateStub109()
func gateStub110()
func gateStub111()
func gateStub112()
func gateStub113()
func gateStub114()
func gateStub115()
func gateStub116()
func gateStub117()
func gateStub118()
func gateStub119()
func gateStub120()
func gateStub121()
func gateStub122()
func gateStub123()
func gateStub124()
func gateStub125()
func gateStub126()
func gateStub127()
func gateStub128()
func gateStub129()
func gateStub130()
func gateStub131()
func gateStub132()
func gateStub133()
func gateStub134()
func gateStub135()
func gateStub136()
func gateStub137()
func gateStub138()
func gateStub139()
func gateStub140()
func gateStub141()
func gateStub142()
func gateStub143()
func gateStub144()
func gateStub145()
func gateStub146()
func gateStub147()
func gateStub148()
func gateStub149()
func gateStub150()
func gateStub151()
func gateStub152()
func gateStub153()
func gateStub154()
func gateStub155()
func gateStub156()
func gateStub157()
func gateStub158()
func gateStub159()
func gateStub160()
func gateStub161()
func gateStub162()
func gateStub163()
func gateStub164()
func gateStub165()
func gateStub166()
func gateStub167()
func gateStub168()
func gateStub169()
func gateStub170()
func gateStub171()
func gateStub172()
func gateStub173()
func gateStub174()
func gateStub175()
func gateStub176()
func gateStub177()
func gateStub178()
func gateStub179()
func gateStub180()
func gateStub181()
func gateStub182()
func gateStub183()
func gateStub184()
func gateStub185()
func gateStub186()
func gateStub187()
func gateStub188()
func gateStub189()
func gateStub190()
func gateStub191()
func gateStub192()
func gateStub193()
func gateStub194()
func gateStub195()
func gateStub196()
func gateStub197()
func gateStub198()
func gateStub199()
func gateStub200()
func gateStub201()
func gateStub202()
func gateStub203()
func gateStub204()
func gateStub205()
func gateStub206()
func gateStub207()
func gateStub208()
func gateStub209()
func gateStub210()
func gateStub211()
func gateStub212()
func gateStub213()
func gateStub214()
func gateStub215()
func gateStub216()
func gateStub217()
func gateStub218()
func gateStub219()
func gateStub220()
func gateStub221()
func gateStub222()
func gateStub223()
func gateStub224()
func gateStub225()
func gateStub226()
func gateStub227()
func gateStub228()
func gateStub229()
func gateStub230()
func gateStub231()
func gateStub232()
func gateStub233()
func gateStub234()
func gateStub235()
func gateStub236()
func gateStub237()
func gateStub238()
func gateStub239()
func gateStub240()
func gateStub241()
func gateStub242()
func gateStub243()
func gateStub244()
func gateStub245()
func gateStub246()
func gateStub247()
func gateStub248()
func gateStub249()
func gateStub250()
func gateStub251()
func gateStub252()
func gateStub253()
func gateStub254()
func gateStub255()
